// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package promotion decides at session end whether a session's visual
// replay is retained, and rate-limits how often one promotion reason may
// retain replays per project so a crash loop cannot flood storage.
//
// Promotion never affects billing: the session was already counted at
// ingest. It only affects replay-artifact retention.
package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/rejourney/ingest/cache/redis"
)

var mon = monkit.Package()

// Error is the promotion error class.
var Error = errs.Class("promotion")

// Promotion reasons, strongest signal first.
const (
	ReasonCrash       = "crash"
	ReasonANR         = "anr"
	ReasonAPIFailures = "api_failures"
	ReasonRageTaps    = "rage_taps"
	ReasonNetwork     = "network_constrained"
)

// Additive score weights. Signals contribute a fixed increment per
// occurrence or an increment proportional to a rate; trivial sessions
// score 0.
const (
	crashWeight   = 50
	anrWeight     = 30
	rageTapWeight = 8
	// apiFailureWeight scales the failure rate; a fully failing API
	// surface contributes this much.
	apiFailureWeight = 40
	// apiFailureMinRequests gates the rate signal so a single failed
	// request out of two does not look like an outage.
	apiFailureMinRequests = 10
	networkWeight         = 5
)

// Config contains configurable values for promotion.
type Config struct {
	Threshold    int           `help:"score at or above which a session's replay is retained" default:"50"`
	Window       time.Duration `help:"fixed window for per-reason promotion rate limiting" default:"10m"`
	MaxPerWindow int64         `help:"maximum promotions per (project, reason) pair per window" default:"3"`
}

// Metrics are the end-of-session signals reported by the SDK.
type Metrics struct {
	CrashCount         int
	ANRCount           int
	RageTapCount       int
	APIRequestCount    int
	APIFailureCount    int
	NetworkConstrained bool
}

// Decision is the outcome of a promotion evaluation.
type Decision struct {
	Promoted bool
	Reason   string
	Score    int
	// Throttled is set when the score crossed the threshold but the
	// reason exhausted its window allowance.
	Throttled bool
}

// DB marks sessions as promoted.
type DB interface {
	MarkPromoted(ctx context.Context, projectID uuid.UUID, sessionID, reason string) error
}

// Service evaluates sessions for replay retention.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	cache  *redis.Client
	config Config

	nowFn func() time.Time
}

// NewService creates a promotion service. cache may be nil, which disables
// rate limiting but not promotion itself.
func NewService(log *zap.Logger, db DB, cache *redis.Client, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		cache:  cache,
		config: config,
		nowFn:  time.Now,
	}
}

// TestingSetNow overrides the service clock in tests.
func (service *Service) TestingSetNow(now func() time.Time) {
	service.nowFn = now
}

// Score computes the additive promotion score and the dominant reason.
func Score(metrics Metrics) (score int, reason string) {
	type signal struct {
		score  int
		reason string
	}
	signals := []signal{
		{metrics.CrashCount * crashWeight, ReasonCrash},
		{metrics.ANRCount * anrWeight, ReasonANR},
		{apiFailureScore(metrics), ReasonAPIFailures},
		{metrics.RageTapCount * rageTapWeight, ReasonRageTaps},
	}
	if metrics.NetworkConstrained {
		signals = append(signals, signal{networkWeight, ReasonNetwork})
	}

	strongest := signal{}
	for _, s := range signals {
		score += s.score
		if s.score > strongest.score {
			strongest = s
		}
	}
	return score, strongest.reason
}

func apiFailureScore(metrics Metrics) int {
	if metrics.APIRequestCount < apiFailureMinRequests || metrics.APIFailureCount <= 0 {
		return 0
	}
	rate := float64(metrics.APIFailureCount) / float64(metrics.APIRequestCount)
	return int(rate * apiFailureWeight)
}

// EvaluateSession scores a finished session and, when the score crosses
// the threshold and the responsible reason still has window allowance,
// marks the session promoted.
func (service *Service) EvaluateSession(ctx context.Context, projectID uuid.UUID, sessionID string, metrics Metrics) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	score, reason := Score(metrics)
	decision := Decision{Score: score, Reason: reason}
	if score < service.config.Threshold {
		return decision, nil
	}

	if !service.allowPromotion(ctx, projectID, reason) {
		mon.Counter("promotion_throttled").Inc(1)
		service.log.Info("promotion throttled",
			zap.Stringer("project", projectID),
			zap.String("session", sessionID),
			zap.String("reason", reason))
		decision.Throttled = true
		return decision, nil
	}

	if err := service.db.MarkPromoted(ctx, projectID, sessionID, reason); err != nil {
		return Decision{}, Error.Wrap(err)
	}
	mon.Counter("promotion_retained").Inc(1)
	decision.Promoted = true
	return decision, nil
}

// allowPromotion consumes one slot from the (project, reason) window
// counter. When the cache is unavailable it allows the promotion:
// retention is best-effort and must never fail the request, at worst a
// window is re-evaluated under concurrent cache failure.
func (service *Service) allowPromotion(ctx context.Context, projectID uuid.UUID, reason string) bool {
	if service.cache == nil {
		return true
	}

	windowID := service.nowFn().Unix() / int64(service.config.Window.Seconds())
	key := fmt.Sprintf("replay_rate:%s:%s:%d", projectID, reason, windowID)

	count, err := service.cache.IncrWindow(ctx, key, 1, service.config.Window)
	if err != nil {
		service.log.Warn("promotion rate window unavailable, allowing", zap.Error(err))
		return true
	}
	return count <= service.config.MaxPerWindow
}
