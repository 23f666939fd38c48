// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rejourney/ingest/gateway/console"
)

var _ console.DB = (*consoleDB)(nil)

type consoleDB struct {
	*DB
}

func (db *consoleDB) CreateTeam(ctx context.Context, team console.Team) (err error) {
	defer mon.Task()(&ctx)(&err)

	if team.CreatedAt.IsZero() {
		team.CreatedAt = timeNow()
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO teams (id, name, owner_user_id, plan, session_limit, payment_failed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		team.ID.String(), team.Name, team.OwnerUserID.String(), string(team.Plan),
		team.SessionLimit, encodeNullTime(team.PaymentFailedAt), encodeTime(team.CreatedAt),
	)
	return Error.Wrap(err)
}

func (db *consoleDB) GetTeam(ctx context.Context, id uuid.UUID) (_ console.Team, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, db.rebind(`
		SELECT id, name, owner_user_id, plan, session_limit, payment_failed_at, created_at
		FROM teams WHERE id = ?`),
		id.String(),
	)
	return scanTeam(row)
}

func (db *consoleDB) SetPaymentFailed(ctx context.Context, id uuid.UUID, at *time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE teams SET payment_failed_at = ? WHERE id = ?`),
		encodeNullTime(at), id.String(),
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return console.ErrNotFound.New("team %s", id)
	}
	return nil
}

func (db *consoleDB) CreateProject(ctx context.Context, project console.Project) (err error) {
	defer mon.Task()(&ctx)(&err)

	if project.CreatedAt.IsZero() {
		project.CreatedAt = timeNow()
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO projects (id, team_id, name, ingest_key, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		project.ID.String(), project.TeamID.String(), project.Name, project.IngestKey,
		encodeTime(project.CreatedAt),
	)
	return Error.Wrap(err)
}

func (db *consoleDB) GetProject(ctx context.Context, id uuid.UUID) (_ console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, db.rebind(`
		SELECT id, team_id, name, ingest_key, created_at
		FROM projects WHERE id = ?`),
		id.String(),
	)
	return scanProject(row)
}

func (db *consoleDB) GetProjectByIngestKey(ctx context.Context, key string) (_ console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, db.rebind(`
		SELECT id, team_id, name, ingest_key, created_at
		FROM projects WHERE ingest_key = ?`),
		key,
	)
	return scanProject(row)
}

func scanTeam(row *sql.Row) (team console.Team, err error) {
	var id, ownerID, plan, createdAt string
	var paymentFailedAt sql.NullString

	err = row.Scan(&id, &team.Name, &ownerID, &plan, &team.SessionLimit, &paymentFailedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return console.Team{}, console.ErrNotFound.Wrap(err)
		}
		return console.Team{}, Error.Wrap(err)
	}

	if team.ID, err = uuid.Parse(id); err != nil {
		return console.Team{}, Error.Wrap(err)
	}
	if team.OwnerUserID, err = uuid.Parse(ownerID); err != nil {
		return console.Team{}, Error.Wrap(err)
	}
	team.Plan = console.Plan(plan)
	if team.PaymentFailedAt, err = decodeNullTime(paymentFailedAt); err != nil {
		return console.Team{}, err
	}
	if team.CreatedAt, err = decodeTime(createdAt); err != nil {
		return console.Team{}, err
	}
	return team, nil
}

func scanProject(row *sql.Row) (project console.Project, err error) {
	var id, teamID, createdAt string

	err = row.Scan(&id, &teamID, &project.Name, &project.IngestKey, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return console.Project{}, console.ErrNotFound.Wrap(err)
		}
		return console.Project{}, Error.Wrap(err)
	}

	if project.ID, err = uuid.Parse(id); err != nil {
		return console.Project{}, Error.Wrap(err)
	}
	if project.TeamID, err = uuid.Parse(teamID); err != nil {
		return console.Project{}, Error.Wrap(err)
	}
	if project.CreatedAt, err = decodeTime(createdAt); err != nil {
		return console.Project{}, err
	}
	return project, nil
}
