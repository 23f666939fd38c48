// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/rejourney/ingest/gateway/sessions"
)

var _ sessions.DB = (*sessionsDB)(nil)

type sessionsDB struct {
	*DB
}

// EnsureSession relies on the (project_id, id) primary key: under
// concurrent inserts of the same session exactly one statement changes a
// row, and only that caller observes created=true.
func (db *sessionsDB) EnsureSession(ctx context.Context, projectID uuid.UUID, sessionID string) (created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO sessions (id, project_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (project_id, id) DO NOTHING`),
		sessionID, projectID.String(), encodeTime(timeNow()),
	)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

func (db *sessionsDB) GetSession(ctx context.Context, projectID uuid.UUID, sessionID string) (_ sessions.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	var session sessions.Session
	var createdAt string
	var promotedAt sql.NullString

	err = db.db.QueryRowContext(ctx, db.rebind(`
		SELECT id, created_at, promoted_at, promotion_reason
		FROM sessions WHERE project_id = ? AND id = ?`),
		projectID.String(), sessionID,
	).Scan(&session.ID, &createdAt, &promotedAt, &session.PromotionReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sessions.Session{}, sessions.ErrSessionNotFound.Wrap(err)
		}
		return sessions.Session{}, Error.Wrap(err)
	}

	session.ProjectID = projectID
	if session.CreatedAt, err = decodeTime(createdAt); err != nil {
		return sessions.Session{}, err
	}
	if session.PromotedAt, err = decodeNullTime(promotedAt); err != nil {
		return sessions.Session{}, err
	}
	return session, nil
}

// MarkPromoted is idempotent: the first promotion wins and later calls
// with a different reason do not overwrite it.
func (db *sessionsDB) MarkPromoted(ctx context.Context, projectID uuid.UUID, sessionID, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE sessions SET promoted_at = ?, promotion_reason = ?
		WHERE project_id = ? AND id = ? AND promoted_at IS NULL`),
		encodeTime(timeNow()), reason, projectID.String(), sessionID,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (db *sessionsDB) IncrementUsage(ctx context.Context, projectID, teamID uuid.UUID, period string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO project_usage (project_id, team_id, period, sessions_used)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (project_id, period) DO UPDATE SET sessions_used = project_usage.sessions_used + 1`),
		projectID.String(), teamID.String(), period,
	)
	return Error.Wrap(err)
}

func (db *sessionsDB) CreateArtifact(ctx context.Context, artifact sessions.RecordingArtifact) (err error) {
	defer mon.Task()(&ctx)(&err)

	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = timeNow()
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO recording_artifacts (id, session_id, project_id, kind, endpoint_id, object_key, status, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		artifact.ID.String(), artifact.SessionID, artifact.ProjectID.String(),
		string(artifact.Kind), encodeNullUUID(artifact.EndpointID),
		artifact.ObjectKey, string(artifact.Status), artifact.SizeBytes,
		encodeTime(artifact.CreatedAt),
	)
	return Error.Wrap(err)
}

func (db *sessionsDB) GetArtifact(ctx context.Context, id uuid.UUID) (_ sessions.RecordingArtifact, err error) {
	defer mon.Task()(&ctx)(&err)

	var artifact sessions.RecordingArtifact
	var artifactID, projectID, kind, status, createdAt string
	var endpointID sql.NullString

	err = db.db.QueryRowContext(ctx, db.rebind(`
		SELECT id, session_id, project_id, kind, endpoint_id, object_key, status, size_bytes, created_at
		FROM recording_artifacts WHERE id = ?`),
		id.String(),
	).Scan(&artifactID, &artifact.SessionID, &projectID, &kind, &endpointID,
		&artifact.ObjectKey, &status, &artifact.SizeBytes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sessions.RecordingArtifact{}, sessions.ErrArtifactNotFound.Wrap(err)
		}
		return sessions.RecordingArtifact{}, Error.Wrap(err)
	}

	if artifact.ID, err = uuid.Parse(artifactID); err != nil {
		return sessions.RecordingArtifact{}, Error.Wrap(err)
	}
	if artifact.ProjectID, err = uuid.Parse(projectID); err != nil {
		return sessions.RecordingArtifact{}, Error.Wrap(err)
	}
	artifact.Kind = sessions.ArtifactKind(kind)
	artifact.Status = sessions.ArtifactStatus(status)
	if artifact.EndpointID, err = decodeNullUUID(endpointID); err != nil {
		return sessions.RecordingArtifact{}, err
	}
	if artifact.CreatedAt, err = decodeTime(createdAt); err != nil {
		return sessions.RecordingArtifact{}, err
	}
	return artifact, nil
}

func (db *sessionsDB) SetArtifactStatus(ctx context.Context, id uuid.UUID, status sessions.ArtifactStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE recording_artifacts SET status = ? WHERE id = ?`),
		string(status), id.String(),
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return sessions.ErrArtifactNotFound.New("%s", id)
	}
	return nil
}
