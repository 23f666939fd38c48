// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package admission gates ingest writes on billing status and session
// quota. Quota reads go through a cache-with-stampede-lock pattern backed
// by redis; when the cache layer is unavailable the gate degrades to
// direct relational reads, never to unchecked admission.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/cache/redis"
	"github.com/rejourney/ingest/gateway/console"
)

var mon = monkit.Package()

// Error is the admission error class. Billing rejections are not errors:
// they travel as a Decision, because a refused write is a successful
// admission check.
var Error = errs.Class("admission")

// Rejection reasons surfaced to the SDK.
const (
	ReasonPaymentFailed = "payment_failed"
	ReasonQuotaExceeded = "quota_exceeded"
)

// Config contains configurable values for the admission gate.
type Config struct {
	FreeTierSessions int64         `help:"sessions included in the free tier, summed across all of a user's free teams" default:"5000"`
	QuotaCacheTTL    time.Duration `help:"how long computed quota snapshots stay cached" default:"5m"`
	LockTTL          time.Duration `help:"expiry of the quota recompute lock" default:"3s"`
	LockWait         time.Duration `help:"how long a request waits for another recompute before reading the store directly" default:"300ms"`
	LockPoll         time.Duration `help:"cache re-read interval while waiting on the recompute lock" default:"50ms"`
}

// DB reads durable usage counters.
type DB interface {
	// TeamUsage returns the sessions started by a team in a billing
	// period.
	TeamUsage(ctx context.Context, teamID uuid.UUID, period string) (int64, error)
	// OwnerFreeUsage returns the sessions started in a billing period
	// across every free team owned by a user.
	OwnerFreeUsage(ctx context.Context, ownerUserID uuid.UUID, period string) (int64, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Reason is set when Allowed is false.
	Reason string
}

// Quota is the ephemeral cached usage snapshot for a team and period. It
// is never authoritative; the relational store can always recompute it.
type Quota struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// Gate decides whether a team may ingest another recording write.
//
// architecture: Service
type Gate struct {
	log     *zap.Logger
	console console.DB
	db      DB
	cache   *redis.Client
	config  Config

	nowFn func() time.Time
}

// NewGate creates an admission gate. cache may be nil, in which case every
// check reads the relational store.
func NewGate(log *zap.Logger, consoleDB console.DB, db DB, cache *redis.Client, config Config) *Gate {
	return &Gate{
		log:     log,
		console: consoleDB,
		db:      db,
		cache:   cache,
		config:  config,
		nowFn:   time.Now,
	}
}

// CheckBillingStatus runs the two admission checks, short-circuiting on
// the first failure: unresolved payment failure, then session quota.
func (gate *Gate) CheckBillingStatus(ctx context.Context, teamID uuid.UUID) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	team, err := gate.console.GetTeam(ctx, teamID)
	if err != nil {
		return Decision{}, Error.Wrap(err)
	}

	if team.PaymentFailedAt != nil {
		mon.Counter("admission_rejected_payment_failed").Inc(1)
		return Decision{Reason: ReasonPaymentFailed}, nil
	}

	quota, err := gate.quota(ctx, team)
	if err != nil {
		return Decision{}, Error.Wrap(err)
	}
	if !CanRecord(quota.Used, quota.Limit) {
		mon.Counter("admission_rejected_quota").Inc(1)
		return Decision{Reason: ReasonQuotaExceeded}, nil
	}

	return Decision{Allowed: true}, nil
}

// CanRecord reports whether a team with the given usage may start another
// session. A zero limit never records.
func CanRecord(used, limit int64) bool {
	return used < limit
}

// InvalidateQuota drops the cached quota snapshot for a team so the next
// admission check recomputes from the relational store.
func (gate *Gate) InvalidateQuota(ctx context.Context, teamID uuid.UUID) error {
	if gate.cache == nil {
		return nil
	}
	err := gate.cache.Delete(ctx, quotaKey(teamID, console.BillingPeriod(gate.nowFn())))
	if err != nil {
		// dropping a cache entry is best-effort: the TTL bounds staleness
		gate.log.Warn("quota cache invalidation failed", zap.Stringer("team", teamID), zap.Error(err))
	}
	return nil
}

// quota returns the team's usage snapshot, preferring the cache and
// coordinating recomputes behind a short-lived distributed lock.
func (gate *Gate) quota(ctx context.Context, team console.Team) (Quota, error) {
	if gate.cache == nil {
		return gate.compute(ctx, team)
	}

	period := console.BillingPeriod(gate.nowFn())
	key := quotaKey(team.ID, period)

	if quota, ok := gate.cachedQuota(ctx, key); ok {
		return quota, nil
	}

	acquired, err := gate.cache.Lock(ctx, lockKey(team.ID, period), gate.config.LockTTL)
	if err != nil {
		// cache layer unreachable: slower but correct
		gate.log.Warn("quota lock unavailable, reading store directly", zap.Error(err))
		return gate.compute(ctx, team)
	}

	if acquired {
		defer func() {
			if err := gate.cache.Unlock(ctx, lockKey(team.ID, period)); err != nil {
				gate.log.Debug("quota lock release failed", zap.Error(err))
			}
		}()

		quota, err := gate.compute(ctx, team)
		if err != nil {
			return Quota{}, err
		}
		if encoded, err := json.Marshal(quota); err == nil {
			if err := gate.cache.Set(ctx, key, encoded, gate.config.QuotaCacheTTL); err != nil {
				gate.log.Debug("quota cache write failed", zap.Error(err))
			}
		}
		return quota, nil
	}

	// another request is recomputing; wait briefly for its result
	deadline := time.Now().Add(gate.config.LockWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Quota{}, Error.Wrap(ctx.Err())
		case <-time.After(gate.config.LockPoll):
		}
		if quota, ok := gate.cachedQuota(ctx, key); ok {
			return quota, nil
		}
	}

	// the recompute did not land in time: consistency over throughput
	return gate.compute(ctx, team)
}

func (gate *Gate) cachedQuota(ctx context.Context, key string) (Quota, bool) {
	value, err := gate.cache.Get(ctx, key)
	if err != nil {
		if !redis.ErrKeyNotFound.Has(err) {
			gate.log.Debug("quota cache read failed", zap.Error(err))
		}
		return Quota{}, false
	}
	var quota Quota
	if err := json.Unmarshal(value, &quota); err != nil {
		gate.log.Warn("dropping undecodable quota cache entry", zap.String("key", key), zap.Error(err))
		return Quota{}, false
	}
	return quota, true
}

// compute derives the usage snapshot from the relational store. Free teams
// share the free-tier allowance across all of the owner's free teams; paid
// teams meter against the subscription entitlement.
func (gate *Gate) compute(ctx context.Context, team console.Team) (Quota, error) {
	period := console.BillingPeriod(gate.nowFn())

	switch team.Plan {
	case console.PlanFree:
		used, err := gate.db.OwnerFreeUsage(ctx, team.OwnerUserID, period)
		if err != nil {
			return Quota{}, Error.Wrap(err)
		}
		return Quota{Used: used, Limit: gate.config.FreeTierSessions}, nil
	case console.PlanPaid:
		used, err := gate.db.TeamUsage(ctx, team.ID, period)
		if err != nil {
			return Quota{}, Error.Wrap(err)
		}
		return Quota{Used: used, Limit: team.SessionLimit}, nil
	default:
		return Quota{}, Error.New("unknown plan %q", team.Plan)
	}
}

func quotaKey(teamID uuid.UUID, period string) string {
	return fmt.Sprintf("sessions:%s:%s", teamID, period)
}

func lockKey(teamID uuid.UUID, period string) string {
	return fmt.Sprintf("session_lock:%s:%s", teamID, period)
}
