// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package gateway assembles the mobile session-telemetry ingest gateway.
package gateway

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/api"
	"github.com/rejourney/ingest/gateway/console"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/objectstore"
	"github.com/rejourney/ingest/gateway/promotion"
	"github.com/rejourney/ingest/gateway/sessions"
)

var mon = monkit.Package()

// Error is the gateway peer error class.
var Error = errs.Class("gateway")

// DB is the master database for the ingest gateway.
//
// architecture: Master Database
type DB interface {
	// CreateTables initializes the schema
	CreateTables(ctx context.Context) error
	// Close closes the database
	Close() error

	// Console returns the database for teams and projects
	Console() console.DB
	// Endpoints returns the storage endpoint registry database
	Endpoints() endpoints.DB
	// Sessions returns the database for sessions, artifacts and usage counters
	Sessions() sessions.DB
	// Usage returns the database admission control meters against
	Usage() admission.DB
}

// CacheConfig configures the redis cache.
type CacheConfig struct {
	URL string `help:"redis url for quota caching, idempotency and promotion rate limiting; empty runs without a cache" default:""`
}

// Config is the global configuration for the ingest gateway.
type Config struct {
	Database string `help:"relational database url (postgres:// or sqlite://)" default:"sqlite://ingest.db"`

	Cache       CacheConfig
	API         api.Config
	Admission   admission.Config
	Sessions    sessions.Config
	Promotion   promotion.Config
	Endpoints   endpoints.Config
	ObjectStore objectstore.Config
}
