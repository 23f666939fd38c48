// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/cache/redis"
	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/console"
)

// Config contains configurable values for the session service.
type Config struct {
	IdempotencyTTL time.Duration `help:"how long completed upload results are kept for retry deduplication" default:"24h"`
}

// Gate is the admission check consulted before any write is accepted.
type Gate interface {
	CheckBillingStatus(ctx context.Context, teamID uuid.UUID) (admission.Decision, error)
	InvalidateQuota(ctx context.Context, teamID uuid.UUID) error
}

// Replicator fans uploaded objects out to shadow endpoints. Implementations
// must be fire-and-forget: Replicate returns immediately and failures are
// logged, never surfaced.
type Replicator interface {
	Replicate(projectID uuid.UUID, endpointID *uuid.UUID, objectKey string)
}

// CompleteRequest is the "batch/segment complete" call from the SDK after
// it finished a presigned upload.
type CompleteRequest struct {
	ProjectID      uuid.UUID
	TeamID         uuid.UUID
	SessionID      string
	IdempotencyKey string
	Kind           ArtifactKind
	ObjectKey      string
	// EndpointID is the endpoint the presign call selected. Nil when the
	// upload went through a self-hosted environment endpoint.
	EndpointID *uuid.UUID
	SizeBytes  int64
}

// CompleteResult is returned to the SDK. Retried requests with the same
// idempotency key observe the original result verbatim.
type CompleteResult struct {
	Allowed bool `json:"allowed"`
	// Reason is set when the write was rejected by admission control.
	Reason         string    `json:"reason,omitempty"`
	SessionCreated bool      `json:"sessionCreated"`
	ArtifactID     uuid.UUID `json:"artifactId"`
}

// Service orchestrates the ingest write path: idempotency, admission,
// at-most-once session counting and artifact metadata.
//
// architecture: Service
type Service struct {
	log        *zap.Logger
	db         DB
	gate       Gate
	cache      *redis.Client
	replicator Replicator
	config     Config

	nowFn func() time.Time
}

// NewService creates a session service. cache may be nil, which disables
// retry deduplication but never correctness. replicator may be nil.
func NewService(log *zap.Logger, db DB, gate Gate, cache *redis.Client, replicator Replicator, config Config) *Service {
	return &Service{
		log:        log,
		db:         db,
		gate:       gate,
		cache:      cache,
		replicator: replicator,
		config:     config,
		nowFn:      time.Now,
	}
}

// Complete finalizes one uploaded artifact.
//
// A session is billed when its row is created, exactly once per distinct
// session id: an artifact may be re-uploaded, a session must not be
// re-billed. The idempotency record additionally dedupes whole-request
// retries for the TTL; after expiry a resend is indistinguishable from a
// new request, an accepted bounded-memory tradeoff.
func (service *Service) Complete(ctx context.Context, req CompleteRequest) (_ CompleteResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.SessionID == "" || req.ObjectKey == "" {
		return CompleteResult{}, Error.New("session id and object key are required")
	}

	if cached, ok := service.cachedResult(ctx, req); ok {
		mon.Counter("complete_idempotent_replay").Inc(1)
		return cached, nil
	}

	decision, err := service.gate.CheckBillingStatus(ctx, req.TeamID)
	if err != nil {
		return CompleteResult{}, Error.Wrap(err)
	}
	if !decision.Allowed {
		// rejections are not recorded under the idempotency key: a later
		// retry should see current billing state, not a stale refusal
		return CompleteResult{Reason: decision.Reason}, nil
	}

	created, err := service.db.EnsureSession(ctx, req.ProjectID, req.SessionID)
	if err != nil {
		return CompleteResult{}, Error.Wrap(err)
	}
	if created {
		period := console.BillingPeriod(service.nowFn())
		if err := service.db.IncrementUsage(ctx, req.ProjectID, req.TeamID, period); err != nil {
			return CompleteResult{}, Error.Wrap(err)
		}
		if err := service.gate.InvalidateQuota(ctx, req.TeamID); err != nil {
			service.log.Debug("quota invalidation failed", zap.Error(err))
		}
	}

	artifact := RecordingArtifact{
		ID:         uuid.New(),
		SessionID:  req.SessionID,
		ProjectID:  req.ProjectID,
		Kind:       req.Kind,
		EndpointID: req.EndpointID,
		ObjectKey:  req.ObjectKey,
		Status:     StatusPending,
		SizeBytes:  req.SizeBytes,
		CreatedAt:  service.nowFn(),
	}
	if err := service.db.CreateArtifact(ctx, artifact); err != nil {
		return CompleteResult{}, Error.Wrap(err)
	}

	if service.replicator != nil {
		service.replicator.Replicate(req.ProjectID, req.EndpointID, req.ObjectKey)
	}

	// a crash before this leaves a pending row for cleanup tooling to
	// reconcile against the bucket
	if err := service.db.SetArtifactStatus(ctx, artifact.ID, StatusStored); err != nil {
		return CompleteResult{}, Error.Wrap(err)
	}
	artifact.Status = StatusStored

	result := CompleteResult{
		Allowed:        true,
		SessionCreated: created,
		ArtifactID:     artifact.ID,
	}
	service.storeResult(ctx, req, result)
	return result, nil
}

func (service *Service) cachedResult(ctx context.Context, req CompleteRequest) (CompleteResult, bool) {
	if service.cache == nil || req.IdempotencyKey == "" {
		return CompleteResult{}, false
	}
	value, err := service.cache.Get(ctx, idempotencyKey(req.ProjectID, req.IdempotencyKey))
	if err != nil {
		if !redis.ErrKeyNotFound.Has(err) {
			service.log.Debug("idempotency read failed", zap.Error(err))
		}
		return CompleteResult{}, false
	}
	var result CompleteResult
	if err := json.Unmarshal(value, &result); err != nil {
		service.log.Warn("dropping undecodable idempotency record", zap.Error(err))
		return CompleteResult{}, false
	}
	return result, true
}

func (service *Service) storeResult(ctx context.Context, req CompleteRequest, result CompleteResult) {
	if service.cache == nil || req.IdempotencyKey == "" {
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	err = service.cache.Set(ctx, idempotencyKey(req.ProjectID, req.IdempotencyKey), encoded, service.config.IdempotencyTTL)
	if err != nil {
		// a lost record only weakens retry dedup, it cannot lose data
		service.log.Debug("idempotency write failed", zap.Error(err))
	}
}

func idempotencyKey(projectID uuid.UUID, key string) string {
	return fmt.Sprintf("ingest:idempotency:%s:%s", projectID, key)
}
