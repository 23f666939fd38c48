// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package sessions creates and counts recording sessions exactly once
// under client retries, and records uploaded artifact metadata with the
// storage endpoint that received the bytes.
package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the sessions error class.
	Error = errs.Class("sessions")
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errs.Class("session not found")
	// ErrArtifactNotFound is returned when an artifact does not exist.
	ErrArtifactNotFound = errs.Class("artifact not found")
)

// Session is one device recording session. The id is generated by the SDK,
// so creation must tolerate concurrent duplicates.
type Session struct {
	ID        string
	ProjectID uuid.UUID
	CreatedAt time.Time
	// PromotedAt and PromotionReason are set when the session's visual
	// replay is retained.
	PromotedAt      *time.Time
	PromotionReason string
}

// ArtifactKind distinguishes uploaded recording artifacts.
type ArtifactKind string

const (
	// KindEventBatch is a batch of interaction/telemetry events.
	KindEventBatch ArtifactKind = "events"
	// KindSegment is a screenshot/replay segment.
	KindSegment ArtifactKind = "segment"
)

// ArtifactStatus tracks an artifact's lifecycle.
type ArtifactStatus string

const (
	// StatusPending marks an artifact whose presigned upload has not been
	// confirmed yet.
	StatusPending ArtifactStatus = "pending"
	// StatusStored marks an artifact whose upload was completed.
	StatusStored ArtifactStatus = "stored"
)

// RecordingArtifact is the metadata row for one uploaded object.
//
// EndpointID pins the artifact to the storage endpoint that received the
// upload; once set it is immutable. Nil means "resolve via the project
// default", which covers legacy rows and self-hosted environment
// endpoints.
type RecordingArtifact struct {
	ID         uuid.UUID
	SessionID  string
	ProjectID  uuid.UUID
	Kind       ArtifactKind
	EndpointID *uuid.UUID
	ObjectKey  string
	Status     ArtifactStatus
	SizeBytes  int64
	CreatedAt  time.Time
}

// DB stores sessions, artifacts and usage counters.
type DB interface {
	// EnsureSession inserts the session if it does not exist yet and
	// reports whether this call created it. Under concurrent calls with
	// the same id exactly one observes created=true; this is enforced by
	// the relational uniqueness constraint, not by process mutexes.
	EnsureSession(ctx context.Context, projectID uuid.UUID, sessionID string) (created bool, err error)
	// GetSession returns a session.
	GetSession(ctx context.Context, projectID uuid.UUID, sessionID string) (Session, error)
	// MarkPromoted records the replay retention decision for a session.
	MarkPromoted(ctx context.Context, projectID uuid.UUID, sessionID, reason string) error

	// IncrementUsage atomically adds one started session to the
	// project's usage counter for the billing period.
	IncrementUsage(ctx context.Context, projectID, teamID uuid.UUID, period string) error

	// CreateArtifact inserts an artifact metadata row.
	CreateArtifact(ctx context.Context, artifact RecordingArtifact) error
	// GetArtifact returns an artifact by id.
	GetArtifact(ctx context.Context, id uuid.UUID) (RecordingArtifact, error)
	// SetArtifactStatus updates an artifact's lifecycle status.
	SetArtifactStatus(ctx context.Context, id uuid.UUID, status ArtifactStatus) error
}
