// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"

	"github.com/google/uuid"

	"github.com/rejourney/ingest/gateway/admission"
	"github.com/rejourney/ingest/gateway/console"
)

var _ admission.DB = (*usageDB)(nil)

type usageDB struct {
	*DB
}

// ProjectUsage returns one project's recorded sessions for a billing
// period. Usage rows are keyed by (project_id, period); admission only
// consumes the team and owner sums below, reporting tooling reads per
// project.
func (db *DB) ProjectUsage(ctx context.Context, projectID uuid.UUID, period string) (used int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, db.rebind(`
		SELECT COALESCE(SUM(sessions_used), 0) FROM project_usage
		WHERE project_id = ? AND period = ?`),
		projectID.String(), period,
	).Scan(&used)
	return used, Error.Wrap(err)
}

func (db *usageDB) TeamUsage(ctx context.Context, teamID uuid.UUID, period string) (used int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, db.rebind(`
		SELECT COALESCE(SUM(sessions_used), 0) FROM project_usage
		WHERE team_id = ? AND period = ?`),
		teamID.String(), period,
	).Scan(&used)
	return used, Error.Wrap(err)
}

// OwnerFreeUsage sums the period's usage across every free team the user
// owns. The free tier is an account-wide allowance, so creating more free
// teams must not reset the meter.
func (db *usageDB) OwnerFreeUsage(ctx context.Context, ownerUserID uuid.UUID, period string) (used int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, db.rebind(`
		SELECT COALESCE(SUM(u.sessions_used), 0)
		FROM project_usage u
		JOIN teams t ON t.id = u.team_id
		WHERE t.owner_user_id = ? AND t.plan = ? AND u.period = ?`),
		ownerUserID.String(), string(console.PlanFree), period,
	).Scan(&used)
	return used, Error.Wrap(err)
}
