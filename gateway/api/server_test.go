// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rejourney/ingest/cache/redis"
	"github.com/rejourney/ingest/cache/redis/redistest"
	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/api"
	"github.com/rejourney/ingest/gateway/console"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/gatewaydb"
	"github.com/rejourney/ingest/gateway/objectstore"
	"github.com/rejourney/ingest/gateway/promotion"
	"github.com/rejourney/ingest/gateway/sessions"
	"github.com/rejourney/ingest/gateway/vault"
	"github.com/rejourney/ingest/internal/testcontext"
	"github.com/rejourney/ingest/internal/testrand"
)

const adminToken = "operator-token"

// storeStub accepts S3 single-part puts and gets, enough for the write
// path the handlers drive.
type storeStub struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *storeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.objects[key] = body
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"stub"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type apiFixture struct {
	handler   http.Handler
	db        *gatewaydb.DB
	pool      *objectstore.Pool
	masterKey string
	team      console.Team
	project   console.Project
	store     *storeStub
	storeURL  string
}

func newAPIFixture(ctx *testcontext.Context, t *testing.T) *apiFixture {
	log := zaptest.NewLogger(t)
	masterKey := testrand.Key()

	db, err := gatewaydb.Open(ctx, log, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.CreateTables(ctx))

	addr, _ := redistest.Start(t)
	cache, err := redis.NewClientFrom(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cache.Close()) })

	resolver := endpoints.NewResolver(log.Named("resolver"), db.Endpoints(), endpoints.Config{CacheTTL: time.Minute})
	pool := objectstore.NewPool(log.Named("objectstore"), resolver, db.Endpoints(), endpoints.FallbackConfig{}, objectstore.Config{
		MasterKey:     masterKey,
		PresignExpiry: 15 * time.Minute,
		ShadowTimeout: 5 * time.Second,
	})
	gate := admission.NewGate(log.Named("admission"), db.Console(), db.Usage(), cache, admission.Config{
		FreeTierSessions: 5000,
		QuotaCacheTTL:    5 * time.Minute,
		LockTTL:          3 * time.Second,
		LockWait:         300 * time.Millisecond,
		LockPoll:         50 * time.Millisecond,
	})
	sessionService := sessions.NewService(log.Named("sessions"), db.Sessions(), gate, cache, pool, sessions.Config{
		IdempotencyTTL: 24 * time.Hour,
	})
	promotionService := promotion.NewService(log.Named("promotion"), db.Sessions(), cache, promotion.Config{
		Threshold:    50,
		Window:       10 * time.Minute,
		MaxPerWindow: 3,
	})

	server := api.NewServer(log.Named("api"), nil,
		db.Console(), db.Sessions(), sessionService, promotionService, pool, db.Endpoints(), resolver,
		api.Config{
			AdminToken:     adminToken,
			MasterKey:      masterKey,
			MaxUploadBytes: 1 << 20,
		})
	t.Cleanup(func() { pool.WaitReplication() })

	store := &storeStub{objects: map[string][]byte{}}
	storeSrv := httptest.NewServer(store)
	t.Cleanup(storeSrv.Close)

	team := console.Team{ID: uuid.New(), Name: "acme", OwnerUserID: uuid.New(), Plan: console.PlanFree}
	require.NoError(t, db.Console().CreateTeam(ctx, team))
	project := console.Project{ID: uuid.New(), TeamID: team.ID, Name: "app", IngestKey: testrand.Key()}
	require.NoError(t, db.Console().CreateProject(ctx, project))

	return &apiFixture{
		handler:   server.TestingHandler(),
		db:        db,
		pool:      pool,
		masterKey: masterKey,
		team:      team,
		project:   project,
		store:     store,
		storeURL:  storeSrv.URL,
	}
}

func (f *apiFixture) registerEndpoint(ctx *testcontext.Context, t *testing.T) endpoints.StorageEndpoint {
	secretRef, err := vault.Encrypt("stub-secret", f.masterKey)
	require.NoError(t, err)
	endpoint := endpoints.StorageEndpoint{
		ID:           uuid.New(),
		EndpointURL:  f.storeURL,
		Bucket:       "recordings",
		Region:       "us-east-1",
		AccessKeyID:  "stub-access",
		SecretKeyRef: secretRef,
		Active:       true,
	}
	require.NoError(t, f.db.Endpoints().Create(ctx, endpoint))
	return endpoint
}

func (f *apiFixture) request(method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) jsonRequest(t *testing.T, method, path, token string, payload, out interface{}, wantStatus int) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	rec := f.request(method, path, token, body, nil)
	require.Equal(t, wantStatus, rec.Code, "unexpected status: %s", rec.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func TestAuthRequired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)

	path := "/api/v1/projects/" + f.project.ID.String() + "/uploads"

	rec := f.request(http.MethodPost, path, "", []byte(`{}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(http.MethodPost, path, "wrong-key", []byte(`{}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// a valid key cannot address another project
	otherPath := "/api/v1/projects/" + uuid.New().String() + "/uploads"
	rec = f.request(http.MethodPost, otherPath, f.project.IngestKey, []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)
	endpoint := f.registerEndpoint(ctx, t)

	path := "/api/v1/projects/" + f.project.ID.String() + "/uploads"

	var resp struct {
		UploadURL  string `json:"uploadUrl"`
		ObjectKey  string `json:"objectKey"`
		EndpointID string `json:"endpointId"`
	}
	f.jsonRequest(t, http.MethodPost, path, f.project.IngestKey,
		map[string]string{"sessionId": "sess-1", "kind": "segment"}, &resp, http.StatusOK)

	require.Equal(t, endpoint.ID.String(), resp.EndpointID)
	require.Contains(t, resp.ObjectKey, f.project.ID.String()+"/sess-1/segment-")
	require.Contains(t, resp.UploadURL, resp.ObjectKey)

	rec := f.request(http.MethodPost, path, f.project.IngestKey,
		[]byte(`{"sessionId":"sess-1","kind":"screenshot"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresignWithoutEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)

	path := "/api/v1/projects/" + f.project.ID.String() + "/uploads"
	rec := f.request(http.MethodPost, path, f.project.IngestKey,
		[]byte(`{"sessionId":"sess-1","kind":"segment"}`), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)
	endpoint := f.registerEndpoint(ctx, t)

	path := "/api/v1/projects/" + f.project.ID.String() + "/uploads/complete"
	payload := map[string]interface{}{
		"sessionId":      "sess-1",
		"idempotencyKey": "retry-1",
		"kind":           "events",
		"objectKey":      f.project.ID.String() + "/sess-1/events-0",
		"endpointId":     endpoint.ID.String(),
		"sizeBytes":      128,
	}

	var first sessions.CompleteResult
	f.jsonRequest(t, http.MethodPost, path, f.project.IngestKey, payload, &first, http.StatusOK)
	require.True(t, first.Allowed)
	require.True(t, first.SessionCreated)

	var second sessions.CompleteResult
	f.jsonRequest(t, http.MethodPost, path, f.project.IngestKey, payload, &second, http.StatusOK)
	require.Equal(t, first, second)

	used, err := f.db.Usage().TeamUsage(ctx, f.team.ID, console.BillingPeriod(time.Now()))
	require.NoError(t, err)
	require.EqualValues(t, 1, used)
}

func TestCompleteRejectedOnPaymentFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)
	f.registerEndpoint(ctx, t)

	failedAt := time.Now()
	require.NoError(t, f.db.Console().SetPaymentFailed(ctx, f.team.ID, &failedAt))

	path := "/api/v1/projects/" + f.project.ID.String() + "/uploads/complete"
	var result sessions.CompleteResult
	f.jsonRequest(t, http.MethodPost, path, f.project.IngestKey, map[string]interface{}{
		"sessionId": "sess-1",
		"kind":      "events",
		"objectKey": "whatever",
	}, &result, http.StatusPaymentRequired)
	require.False(t, result.Allowed)
	require.Equal(t, admission.ReasonPaymentFailed, result.Reason)
}

func TestDirectUploadDownloadAndFinish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)
	f.registerEndpoint(ctx, t)

	// unknown sessions cannot be finished
	rec := f.request(http.MethodPost, "/api/v1/sessions/sess-9/finish", f.project.IngestKey, []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	uploadPath := "/api/v1/projects/" + f.project.ID.String() + "/uploads/direct"
	rec = f.request(http.MethodPost, uploadPath, f.project.IngestKey, []byte("segment-bytes"), map[string]string{
		"X-Session-Id":    "sess-9",
		"X-Artifact-Kind": "segment",
		"Content-Type":    "application/octet-stream",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result sessions.CompleteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Allowed)
	require.True(t, result.SessionCreated)

	artifact, err := f.db.Sessions().GetArtifact(ctx, result.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusStored, artifact.Status)
	require.NotNil(t, artifact.EndpointID)

	f.store.mu.Lock()
	_, stored := f.store.objects["recordings/"+artifact.ObjectKey]
	f.store.mu.Unlock()
	require.True(t, stored)

	var download struct {
		DownloadURL string `json:"downloadUrl"`
	}
	f.jsonRequest(t, http.MethodGet, "/api/v1/artifacts/"+artifact.ID.String()+"/download",
		f.project.IngestKey, nil, &download, http.StatusOK)
	require.Contains(t, download.DownloadURL, artifact.ObjectKey)

	var finish struct {
		Promoted bool   `json:"promoted"`
		Reason   string `json:"reason"`
		Score    int    `json:"score"`
	}
	f.jsonRequest(t, http.MethodPost, "/api/v1/sessions/sess-9/finish", f.project.IngestKey,
		map[string]interface{}{"crashCount": 1, "rageTapCount": 2}, &finish, http.StatusOK)
	require.True(t, finish.Promoted)
	require.Equal(t, "crash", finish.Reason)
	require.Equal(t, 66, finish.Score)

	session, err := f.db.Sessions().GetSession(ctx, f.project.ID, "sess-9")
	require.NoError(t, err)
	require.NotNil(t, session.PromotedAt)
}

func TestAdminEndpointRegistry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(ctx, t)

	rec := f.request(http.MethodGet, "/api/v1/admin/endpoints", "", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.request(http.MethodGet, "/api/v1/admin/endpoints", "guessed-token", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var created struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	f.jsonRequest(t, http.MethodPost, "/api/v1/admin/endpoints", adminToken, map[string]interface{}{
		"endpointUrl": f.storeURL,
		"bucket":      "recordings",
		"region":      "us-east-1",
		"accessKeyId": "stub-access",
		"secretKey":   "stub-secret",
		"priority":    3,
	}, &created, http.StatusCreated)
	require.True(t, created.Active)

	endpointID, err := uuid.Parse(created.ID)
	require.NoError(t, err)

	// the stored secret is encrypted, never the plaintext
	row, err := f.db.Endpoints().Get(ctx, endpointID)
	require.NoError(t, err)
	require.NotEmpty(t, row.SecretKeyRef)
	require.NotContains(t, row.SecretKeyRef, "stub-secret")
	decrypted, err := vault.Decrypt(row.SecretKeyRef, f.masterKey)
	require.NoError(t, err)
	require.Equal(t, "stub-secret", decrypted)

	var listed []struct {
		ID string `json:"id"`
	}
	f.jsonRequest(t, http.MethodGet, "/api/v1/admin/endpoints", adminToken, nil, &listed, http.StatusOK)
	require.Len(t, listed, 1)

	// the registry write is visible to devices immediately
	presignPath := "/api/v1/projects/" + f.project.ID.String() + "/uploads"
	rec = f.request(http.MethodPost, presignPath, f.project.IngestKey,
		[]byte(`{"sessionId":"sess-1","kind":"segment"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// soft-disabling flushes the resolver cache and stops new presigns
	var updated struct {
		Active bool `json:"active"`
	}
	f.jsonRequest(t, http.MethodPut, "/api/v1/admin/endpoints/"+created.ID, adminToken, map[string]interface{}{
		"endpointUrl": f.storeURL,
		"bucket":      "recordings",
		"region":      "us-east-1",
		"accessKeyId": "stub-access",
		"priority":    3,
		"active":      false,
	}, &updated, http.StatusOK)
	require.False(t, updated.Active)

	rec = f.request(http.MethodPost, presignPath, f.project.IngestKey,
		[]byte(`{"sessionId":"sess-2","kind":"segment"}`), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
