// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package gatewaydb implements the gateway's relational databases on
// postgres for hosted deployments and sqlite for self-hosted ones.
package gatewaydb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/console"
	"github.com/rejourney/ingest/gateway/endpoints"
	"github.com/rejourney/ingest/gateway/sessions"
)

var mon = monkit.Package()

// Error is the gatewaydb error class.
var Error = errs.Class("gatewaydb")

// DB gives access to the gateway's relational tables.
//
// architecture: Database
type DB struct {
	log      *zap.Logger
	db       *sql.DB
	postgres bool

	console   *consoleDB
	endpoints *endpointsDB
	sessions  *sessionsDB
	usage     *usageDB
}

// Open connects to the database named by databaseURL. postgres:// URLs
// dial a postgres server; sqlite:// URLs open a file database, with
// sqlite://:memory: reserved for tests.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	driver, source, postgres, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !postgres {
		// sqlite serializes writers; a second connection would only
		// produce busy errors under concurrent inserts.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(0)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, sqlDB.Close()))
	}

	db := &DB{log: log, db: sqlDB, postgres: postgres}
	db.console = &consoleDB{db}
	db.endpoints = &endpointsDB{db}
	db.sessions = &sessionsDB{db}
	db.usage = &usageDB{db}
	return db, nil
}

func parseURL(databaseURL string) (driver, source string, postgres bool, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, true, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), false, nil
	default:
		return "", "", false, Error.New("unsupported database url %q", databaseURL)
	}
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Console returns the team and project database.
func (db *DB) Console() console.DB { return db.console }

// Endpoints returns the storage endpoint registry database.
func (db *DB) Endpoints() endpoints.DB { return db.endpoints }

// Sessions returns the session and artifact database.
func (db *DB) Sessions() sessions.DB { return db.sessions }

// Usage returns the billing usage database.
func (db *DB) Usage() admission.DB { return db.usage }

// CreateTables creates the schema if it does not exist yet.
func (db *DB) CreateTables(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, ddl := range schema {
		if _, err := db.db.ExecContext(ctx, ddl); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// schema is written in the dialect subset both backends accept. Timestamps
// are stored as RFC3339 text so rows read identically from either driver.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		session_limit BIGINT NOT NULL DEFAULT 0,
		payment_failed_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT NOT NULL PRIMARY KEY,
		team_id TEXT NOT NULL REFERENCES teams (id),
		name TEXT NOT NULL,
		ingest_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS storage_endpoints (
		id TEXT NOT NULL PRIMARY KEY,
		project_id TEXT REFERENCES projects (id),
		endpoint_url TEXT NOT NULL,
		public_url TEXT NOT NULL DEFAULT '',
		bucket TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		access_key_id TEXT NOT NULL DEFAULT '',
		secret_key_ref TEXT NOT NULL DEFAULT '',
		priority BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		shadow BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects (id),
		created_at TEXT NOT NULL,
		promoted_at TEXT,
		promotion_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS recording_artifacts (
		id TEXT NOT NULL PRIMARY KEY,
		session_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		endpoint_id TEXT,
		object_key TEXT NOT NULL,
		status TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (project_id, session_id) REFERENCES sessions (project_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS project_usage (
		project_id TEXT NOT NULL REFERENCES projects (id),
		team_id TEXT NOT NULL,
		period TEXT NOT NULL,
		sessions_used BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (project_id, period)
	)`,
}

// rebind rewrites ? placeholders into the $n form postgres expects.
// Queries in this package never contain a literal question mark.
func (db *DB) rebind(query string) string {
	if !db.postgres {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, Error.Wrap(err)
	}
	return t, nil
}

func encodeNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
