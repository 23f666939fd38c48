// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gatewaydb_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rejourney/ingest/gateway/console"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/gatewaydb"
	"github.com/rejourney/ingest/gateway/sessions"
	"github.com/rejourney/ingest/internal/testcontext"
	"github.com/rejourney/ingest/internal/testrand"
)

func openTest(ctx *testcontext.Context, t *testing.T) *gatewaydb.DB {
	db, err := gatewaydb.Open(ctx, zaptest.NewLogger(t), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.CreateTables(ctx))
	// CreateTables must be safe to run against an existing schema
	require.NoError(t, db.CreateTables(ctx))
	return db
}

func createTeam(ctx *testcontext.Context, t *testing.T, db *gatewaydb.DB, plan console.Plan, limit int64) console.Team {
	team := console.Team{
		ID:           uuid.New(),
		Name:         "team",
		OwnerUserID:  uuid.New(),
		Plan:         plan,
		SessionLimit: limit,
	}
	require.NoError(t, db.Console().CreateTeam(ctx, team))
	return team
}

func createProject(ctx *testcontext.Context, t *testing.T, db *gatewaydb.DB, teamID uuid.UUID) console.Project {
	project := console.Project{
		ID:        uuid.New(),
		TeamID:    teamID,
		Name:      "app",
		IngestKey: testrand.Key(),
	}
	require.NoError(t, db.Console().CreateProject(ctx, project))
	return project
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := gatewaydb.Open(ctx, zaptest.NewLogger(t), "mysql://localhost/ingest")
	require.Error(t, err)
}

func TestConsoleTeamsAndProjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	team := createTeam(ctx, t, db, console.PlanPaid, 25000)

	got, err := db.Console().GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.Equal(t, team.ID, got.ID)
	require.Equal(t, console.PlanPaid, got.Plan)
	require.EqualValues(t, 25000, got.SessionLimit)
	require.Nil(t, got.PaymentFailedAt)
	require.False(t, got.CreatedAt.IsZero())

	failedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Console().SetPaymentFailed(ctx, team.ID, &failedAt))
	got, err = db.Console().GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PaymentFailedAt)
	require.Equal(t, failedAt, *got.PaymentFailedAt)

	require.NoError(t, db.Console().SetPaymentFailed(ctx, team.ID, nil))
	got, err = db.Console().GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.Nil(t, got.PaymentFailedAt)

	_, err = db.Console().GetTeam(ctx, uuid.New())
	require.True(t, console.ErrNotFound.Has(err))
	require.True(t, console.ErrNotFound.Has(db.Console().SetPaymentFailed(ctx, uuid.New(), nil)))

	project := createProject(ctx, t, db, team.ID)

	byID, err := db.Console().GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, project.TeamID, byID.TeamID)

	byKey, err := db.Console().GetProjectByIngestKey(ctx, project.IngestKey)
	require.NoError(t, err)
	require.Equal(t, project.ID, byKey.ID)

	_, err = db.Console().GetProjectByIngestKey(ctx, "nope")
	require.True(t, console.ErrNotFound.Has(err))

	// ingest keys are unique
	dupe := console.Project{ID: uuid.New(), TeamID: team.ID, Name: "copy", IngestKey: project.IngestKey}
	require.Error(t, db.Console().CreateProject(ctx, dupe))
}

func TestEndpointRegistry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	team := createTeam(ctx, t, db, console.PlanFree, 0)
	project := createProject(ctx, t, db, team.ID)

	global := endpoints.StorageEndpoint{
		ID:          uuid.New(),
		EndpointURL: "https://global.example.com",
		Bucket:      "recordings",
		Priority:    1,
		Active:      true,
	}
	scoped := endpoints.StorageEndpoint{
		ID:          uuid.New(),
		ProjectID:   &project.ID,
		EndpointURL: "https://scoped.example.com",
		Bucket:      "recordings",
		Priority:    5,
		Active:      true,
	}
	scopedShadow := endpoints.StorageEndpoint{
		ID:          uuid.New(),
		ProjectID:   &project.ID,
		EndpointURL: "https://shadow.example.com",
		Bucket:      "recordings",
		Active:      true,
		Shadow:      true,
	}
	globalShadow := endpoints.StorageEndpoint{
		ID:          uuid.New(),
		EndpointURL: "https://global-shadow.example.com",
		Bucket:      "recordings",
		Active:      true,
		Shadow:      true,
	}
	inactive := endpoints.StorageEndpoint{
		ID:          uuid.New(),
		EndpointURL: "https://retired.example.com",
		Bucket:      "recordings",
	}
	for _, endpoint := range []endpoints.StorageEndpoint{global, scoped, scopedShadow, globalShadow, inactive} {
		require.NoError(t, db.Endpoints().Create(ctx, endpoint))
	}

	got, err := db.Endpoints().Get(ctx, scoped.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProjectID)
	require.Equal(t, project.ID, *got.ProjectID)
	require.Equal(t, 5, got.Priority)

	_, err = db.Endpoints().Get(ctx, uuid.New())
	require.True(t, endpoints.ErrNotFound.Has(err))

	active, err := db.Endpoints().ListActive(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, scoped.ID, active[0].ID)

	globals, err := db.Endpoints().ListActiveGlobal(ctx)
	require.NoError(t, err)
	require.Len(t, globals, 1)
	require.Equal(t, global.ID, globals[0].ID)

	// project shadows come before global ones
	shadows, err := db.Endpoints().ListShadows(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, shadows, 2)
	require.Equal(t, scopedShadow.ID, shadows[0].ID)
	require.Equal(t, globalShadow.ID, shadows[1].ID)

	// soft-disable removes the endpoint from every list but keeps the row
	scoped.Active = false
	require.NoError(t, db.Endpoints().Update(ctx, scoped))
	active, err = db.Endpoints().ListActive(ctx, project.ID)
	require.NoError(t, err)
	require.Empty(t, active)
	_, err = db.Endpoints().Get(ctx, scoped.ID)
	require.NoError(t, err)

	missing := scoped
	missing.ID = uuid.New()
	require.True(t, endpoints.ErrNotFound.Has(db.Endpoints().Update(ctx, missing)))
}

func TestEnsureSessionConcurrent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	team := createTeam(ctx, t, db, console.PlanFree, 0)
	project := createProject(ctx, t, db, team.ID)
	sessionID := testrand.SessionID()

	const workers = 16
	var created int64
	for i := 0; i < workers; i++ {
		ctx.Go(func() error {
			wasCreated, err := db.Sessions().EnsureSession(ctx, project.ID, sessionID)
			if err != nil {
				return err
			}
			if wasCreated {
				atomic.AddInt64(&created, 1)
			}
			return nil
		})
	}
	ctx.Wait()

	require.EqualValues(t, 1, created)

	session, err := db.Sessions().GetSession(ctx, project.ID, sessionID)
	require.NoError(t, err)
	require.Equal(t, sessionID, session.ID)
	require.Nil(t, session.PromotedAt)
}

func TestMarkPromotedFirstWins(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	team := createTeam(ctx, t, db, console.PlanFree, 0)
	project := createProject(ctx, t, db, team.ID)
	sessionID := testrand.SessionID()

	created, err := db.Sessions().EnsureSession(ctx, project.ID, sessionID)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, db.Sessions().MarkPromoted(ctx, project.ID, sessionID, "crash"))
	require.NoError(t, db.Sessions().MarkPromoted(ctx, project.ID, sessionID, "rage_taps"))

	session, err := db.Sessions().GetSession(ctx, project.ID, sessionID)
	require.NoError(t, err)
	require.NotNil(t, session.PromotedAt)
	require.Equal(t, "crash", session.PromotionReason)

	_, err = db.Sessions().GetSession(ctx, project.ID, "missing")
	require.True(t, sessions.ErrSessionNotFound.Has(err))
}

func TestArtifacts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	team := createTeam(ctx, t, db, console.PlanFree, 0)
	project := createProject(ctx, t, db, team.ID)
	sessionID := testrand.SessionID()
	_, err := db.Sessions().EnsureSession(ctx, project.ID, sessionID)
	require.NoError(t, err)

	endpointID := uuid.New()
	require.NoError(t, db.Endpoints().Create(ctx, endpoints.StorageEndpoint{
		ID:          endpointID,
		EndpointURL: "https://primary.example.com",
		Bucket:      "recordings",
		Active:      true,
	}))

	pinned := sessions.RecordingArtifact{
		ID:         uuid.New(),
		SessionID:  sessionID,
		ProjectID:  project.ID,
		Kind:       sessions.KindSegment,
		EndpointID: &endpointID,
		ObjectKey:  project.ID.String() + "/" + sessionID + "/segment-0",
		Status:     sessions.StatusPending,
		SizeBytes:  2048,
	}
	require.NoError(t, db.Sessions().CreateArtifact(ctx, pinned))

	legacy := sessions.RecordingArtifact{
		ID:        uuid.New(),
		SessionID: sessionID,
		ProjectID: project.ID,
		Kind:      sessions.KindEventBatch,
		ObjectKey: project.ID.String() + "/" + sessionID + "/events-0",
		Status:    sessions.StatusStored,
	}
	require.NoError(t, db.Sessions().CreateArtifact(ctx, legacy))

	got, err := db.Sessions().GetArtifact(ctx, pinned.ID)
	require.NoError(t, err)
	require.Equal(t, sessions.KindSegment, got.Kind)
	require.NotNil(t, got.EndpointID)
	require.Equal(t, endpointID, *got.EndpointID)
	require.EqualValues(t, 2048, got.SizeBytes)

	got, err = db.Sessions().GetArtifact(ctx, legacy.ID)
	require.NoError(t, err)
	require.Nil(t, got.EndpointID)

	require.NoError(t, db.Sessions().SetArtifactStatus(ctx, pinned.ID, sessions.StatusStored))
	got, err = db.Sessions().GetArtifact(ctx, pinned.ID)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusStored, got.Status)

	_, err = db.Sessions().GetArtifact(ctx, uuid.New())
	require.True(t, sessions.ErrArtifactNotFound.Has(err))
	require.True(t, sessions.ErrArtifactNotFound.Has(
		db.Sessions().SetArtifactStatus(ctx, uuid.New(), sessions.StatusStored)))
}

func TestUsageCounters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTest(ctx, t)

	owner := uuid.New()
	freeA := console.Team{ID: uuid.New(), Name: "a", OwnerUserID: owner, Plan: console.PlanFree}
	freeB := console.Team{ID: uuid.New(), Name: "b", OwnerUserID: owner, Plan: console.PlanFree}
	paid := console.Team{ID: uuid.New(), Name: "c", OwnerUserID: owner, Plan: console.PlanPaid, SessionLimit: 10000}
	for _, team := range []console.Team{freeA, freeB, paid} {
		require.NoError(t, db.Console().CreateTeam(ctx, team))
	}

	const period = "2025-06"
	projectA := createProject(ctx, t, db, freeA.ID)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Sessions().IncrementUsage(ctx, projectA.ID, freeA.ID, period))
	}
	projectA2 := createProject(ctx, t, db, freeA.ID)
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Sessions().IncrementUsage(ctx, projectA2.ID, freeA.ID, period))
	}
	projectB := createProject(ctx, t, db, freeB.ID)
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Sessions().IncrementUsage(ctx, projectB.ID, freeB.ID, period))
	}
	projectPaid := createProject(ctx, t, db, paid.ID)
	require.NoError(t, db.Sessions().IncrementUsage(ctx, projectPaid.ID, paid.ID, period))

	// counters accumulate per project, team reads sum across a team's
	// projects
	used, err := db.ProjectUsage(ctx, projectA.ID, period)
	require.NoError(t, err)
	require.EqualValues(t, 3, used)

	used, err = db.ProjectUsage(ctx, projectA2.ID, period)
	require.NoError(t, err)
	require.EqualValues(t, 2, used)

	used, err = db.ProjectUsage(ctx, uuid.New(), period)
	require.NoError(t, err)
	require.Zero(t, used)

	used, err = db.Usage().TeamUsage(ctx, freeA.ID, period)
	require.NoError(t, err)
	require.EqualValues(t, 5, used)

	// empty period reads as zero, not an error
	used, err = db.Usage().TeamUsage(ctx, freeA.ID, "2025-07")
	require.NoError(t, err)
	require.Zero(t, used)

	// free usage spans the owner's free teams and excludes the paid one
	used, err = db.Usage().OwnerFreeUsage(ctx, owner, period)
	require.NoError(t, err)
	require.EqualValues(t, 7, used)

	used, err = db.Usage().OwnerFreeUsage(ctx, uuid.New(), period)
	require.NoError(t, err)
	require.Zero(t, used)
}
