// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package endpoints maintains the storage endpoint registry and resolves
// which endpoint receives a project's uploads.
package endpoints

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the endpoints error class.
	Error = errs.Class("endpoints")
	// ErrNoEndpoint is returned when no active storage endpoint can be
	// resolved for a project. There is no sane fallback.
	ErrNoEndpoint = errs.Class("no storage endpoint configured")
	// ErrNotFound is returned when an endpoint id does not exist.
	ErrNotFound = errs.Class("endpoint not found")
)

// StorageEndpoint describes one S3-compatible storage target.
//
// Shadow endpoints only ever receive best-effort redundant copies, never
// presigned-URL traffic. Endpoints are soft-disabled with Active=false and
// never hard-deleted while artifacts still reference them.
type StorageEndpoint struct {
	ID uuid.UUID
	// ProjectID scopes the endpoint to one project. Nil means the
	// endpoint is a global default.
	ProjectID   *uuid.UUID
	EndpointURL string
	// PublicURL is the host devices reach for presigned uploads, when it
	// differs from EndpointURL. Empty means EndpointURL is reachable
	// externally too.
	PublicURL   string
	Bucket      string
	Region      string
	AccessKeyID string
	// SecretKeyRef is the vault-encrypted secret key. Empty in
	// self-hosted deployments that rely on environment credentials.
	SecretKeyRef string
	// Priority is a non-negative selection weight input. Selection
	// probability is proportional to Priority+1.
	Priority  int
	Active    bool
	Shadow    bool
	CreatedAt time.Time
}

// DB stores the storage endpoint registry.
type DB interface {
	// Create inserts an endpoint.
	Create(ctx context.Context, endpoint StorageEndpoint) error
	// Update replaces the mutable fields of an endpoint.
	Update(ctx context.Context, endpoint StorageEndpoint) error
	// Get returns an endpoint by id.
	Get(ctx context.Context, id uuid.UUID) (StorageEndpoint, error)
	// ListActive returns active non-shadow endpoints scoped to
	// projectID, ordered by priority descending.
	ListActive(ctx context.Context, projectID uuid.UUID) ([]StorageEndpoint, error)
	// ListActiveGlobal returns active non-shadow endpoints with no
	// project scope, ordered by priority descending.
	ListActiveGlobal(ctx context.Context) ([]StorageEndpoint, error)
	// ListShadows returns active shadow endpoints usable for projectID:
	// project-specific ones first, then global, each ordered by priority
	// descending.
	ListShadows(ctx context.Context, projectID uuid.UUID) ([]StorageEndpoint, error)
}
