// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package console holds the team and project records the ingest gateway
// reads. Rows are written by the account and billing subsystems; the
// gateway only consumes them.
package console

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the console error class.
	Error = errs.Class("console")
	// ErrNotFound is returned when a team or project does not exist.
	ErrNotFound = errs.Class("not found")
)

// Plan is a team's billing plan.
type Plan string

const (
	// PlanFree is the free tier. Sessions are counted across all free
	// teams of the owning user.
	PlanFree Plan = "free"
	// PlanPaid is a paid subscription with a per-team session limit.
	PlanPaid Plan = "paid"
)

// Team is the billing boundary that admission control meters against.
type Team struct {
	ID          uuid.UUID
	Name        string
	OwnerUserID uuid.UUID
	Plan        Plan
	// SessionLimit is the subscription's session entitlement for paid
	// plans. Ignored for free teams.
	SessionLimit int64
	// PaymentFailedAt is set while the team has an unresolved failed
	// payment and cleared once it is resolved.
	PaymentFailedAt *time.Time
	CreatedAt       time.Time
}

// Project is a single mobile app environment owned by a team. Device SDKs
// authenticate with the project's ingest key.
type Project struct {
	ID        uuid.UUID
	TeamID    uuid.UUID
	Name      string
	IngestKey string
	CreatedAt time.Time
}

// DB stores teams and projects.
type DB interface {
	// CreateTeam inserts a team.
	CreateTeam(ctx context.Context, team Team) error
	// GetTeam returns a team by id.
	GetTeam(ctx context.Context, id uuid.UUID) (Team, error)
	// SetPaymentFailed sets or clears the team's unresolved payment
	// failure marker.
	SetPaymentFailed(ctx context.Context, id uuid.UUID, at *time.Time) error

	// CreateProject inserts a project.
	CreateProject(ctx context.Context, project Project) error
	// GetProject returns a project by id.
	GetProject(ctx context.Context, id uuid.UUID) (Project, error)
	// GetProjectByIngestKey returns the project owning an ingest key.
	GetProjectByIngestKey(ctx context.Context, key string) (Project, error)
}

// BillingPeriod formats the billing period that usage is accumulated
// under. Periods are calendar months in UTC.
func BillingPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}
