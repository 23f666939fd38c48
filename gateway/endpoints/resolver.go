// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package endpoints

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config contains configurable values for the endpoint resolver.
type Config struct {
	CacheTTL   time.Duration `help:"how long resolved endpoints are cached per project" default:"60s"`
	SelfHosted bool          `help:"whether this is a self-hosted deployment that may fall back to environment storage configuration" default:"false"`

	Fallback FallbackConfig
}

// FallbackConfig is environment-level storage configuration used when a
// self-hosted deployment has no endpoint rows at all.
type FallbackConfig struct {
	EndpointURL string `help:"fallback S3-compatible endpoint url" default:""`
	PublicURL   string `help:"externally reachable fallback endpoint url, when different" default:""`
	Bucket      string `help:"fallback bucket" default:""`
	Region      string `help:"fallback region" default:""`
	AccessKeyID string `help:"fallback access key id" default:""`
	SecretKey   string `help:"fallback secret key" default:""`
}

// fallbackPriority is the weight input assigned to the synthesized
// environment endpoint.
const fallbackPriority = 100

// Resolver resolves and caches the storage endpoint for a project.
//
// architecture: Service
type Resolver struct {
	log    *zap.Logger
	db     DB
	config Config

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedEndpoint
}

type cachedEndpoint struct {
	endpoint  StorageEndpoint
	expiresAt time.Time
}

// NewResolver creates a new endpoint resolver.
func NewResolver(log *zap.Logger, db DB, config Config) *Resolver {
	return &Resolver{
		log:    log,
		db:     db,
		config: config,
		cache:  make(map[uuid.UUID]cachedEndpoint),
	}
}

// Resolve returns the storage endpoint that should receive the project's
// next upload. Results are cached per project for a short TTL; registry
// writes invalidate the cache.
func (resolver *Resolver) Resolve(ctx context.Context, projectID uuid.UUID) (_ StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	resolver.mu.RLock()
	cached, ok := resolver.cache[projectID]
	resolver.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.endpoint, nil
	}

	endpoint, err := resolver.resolve(ctx, projectID)
	if err != nil {
		return StorageEndpoint{}, err
	}

	resolver.mu.Lock()
	resolver.cache[projectID] = cachedEndpoint{
		endpoint:  endpoint,
		expiresAt: time.Now().Add(resolver.config.CacheTTL),
	}
	resolver.mu.Unlock()

	return endpoint, nil
}

func (resolver *Resolver) resolve(ctx context.Context, projectID uuid.UUID) (StorageEndpoint, error) {
	candidates, err := resolver.db.ListActive(ctx, projectID)
	if err != nil {
		return StorageEndpoint{}, Error.Wrap(err)
	}
	if len(candidates) == 0 {
		candidates, err = resolver.db.ListActiveGlobal(ctx)
		if err != nil {
			return StorageEndpoint{}, Error.Wrap(err)
		}
	}
	if len(candidates) == 0 && resolver.config.SelfHosted {
		if fallback, ok := resolver.fallbackEndpoint(); ok {
			resolver.log.Debug("resolved environment fallback endpoint",
				zap.Stringer("project", projectID))
			return fallback, nil
		}
	}
	if len(candidates) == 0 {
		return StorageEndpoint{}, ErrNoEndpoint.New("project %s", projectID)
	}

	return pickWeighted(candidates), nil
}

// Shadows returns the active shadow endpoints that should receive
// best-effort copies of the project's uploads.
func (resolver *Resolver) Shadows(ctx context.Context, projectID uuid.UUID) (_ []StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	shadows, err := resolver.db.ListShadows(ctx, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return shadows, nil
}

// Invalidate drops the cached resolution for a project.
func (resolver *Resolver) Invalidate(projectID uuid.UUID) {
	resolver.mu.Lock()
	delete(resolver.cache, projectID)
	resolver.mu.Unlock()
}

// InvalidateAll drops every cached resolution. Called on registry writes
// that may affect global defaults.
func (resolver *Resolver) InvalidateAll() {
	resolver.mu.Lock()
	resolver.cache = make(map[uuid.UUID]cachedEndpoint)
	resolver.mu.Unlock()
}

// fallbackEndpoint synthesizes a virtual endpoint from environment
// configuration. The virtual endpoint has no registry row, so its id stays
// zero and artifacts uploaded through it are not pinned.
func (resolver *Resolver) fallbackEndpoint() (StorageEndpoint, bool) {
	fallback := resolver.config.Fallback
	if fallback.EndpointURL == "" || fallback.Bucket == "" {
		return StorageEndpoint{}, false
	}
	return StorageEndpoint{
		EndpointURL: fallback.EndpointURL,
		PublicURL:   fallback.PublicURL,
		Bucket:      fallback.Bucket,
		Region:      fallback.Region,
		AccessKeyID: fallback.AccessKeyID,
		Priority:    fallbackPriority,
		Active:      true,
	}, true
}

// pickWeighted selects one endpoint with probability proportional to
// priority+1, so a priority 0 endpoint still has weight 1 and can never be
// starved. Single pass, O(n).
func pickWeighted(candidates []StorageEndpoint) StorageEndpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	total := int64(0)
	for _, candidate := range candidates {
		total += int64(candidate.Priority) + 1
	}

	draw := rand.Int63n(total)
	for _, candidate := range candidates {
		draw -= int64(candidate.Priority) + 1
		if draw < 0 {
			return candidate
		}
	}
	// unreachable: the draw is strictly below the summed weights
	return candidates[len(candidates)-1]
}
