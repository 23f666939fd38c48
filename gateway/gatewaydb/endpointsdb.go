// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/rejourney/ingest/gateway/endpoints"
)

var _ endpoints.DB = (*endpointsDB)(nil)

type endpointsDB struct {
	*DB
}

const endpointColumns = `id, project_id, endpoint_url, public_url, bucket, region,
	access_key_id, secret_key_ref, priority, active, shadow, created_at`

func (db *endpointsDB) Create(ctx context.Context, endpoint endpoints.StorageEndpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = timeNow()
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO storage_endpoints (`+endpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		endpoint.ID.String(), encodeNullUUID(endpoint.ProjectID),
		endpoint.EndpointURL, endpoint.PublicURL, endpoint.Bucket, endpoint.Region,
		endpoint.AccessKeyID, endpoint.SecretKeyRef,
		endpoint.Priority, endpoint.Active, endpoint.Shadow,
		encodeTime(endpoint.CreatedAt),
	)
	return Error.Wrap(err)
}

func (db *endpointsDB) Update(ctx context.Context, endpoint endpoints.StorageEndpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE storage_endpoints
		SET endpoint_url = ?, public_url = ?, bucket = ?, region = ?,
			access_key_id = ?, secret_key_ref = ?, priority = ?, active = ?, shadow = ?
		WHERE id = ?`),
		endpoint.EndpointURL, endpoint.PublicURL, endpoint.Bucket, endpoint.Region,
		endpoint.AccessKeyID, endpoint.SecretKeyRef,
		endpoint.Priority, endpoint.Active, endpoint.Shadow,
		endpoint.ID.String(),
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return endpoints.ErrNotFound.New("%s", endpoint.ID)
	}
	return nil
}

func (db *endpointsDB) Get(ctx context.Context, id uuid.UUID) (_ endpoints.StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT `+endpointColumns+` FROM storage_endpoints WHERE id = ?`),
		id.String(),
	)
	if err != nil {
		return endpoints.StorageEndpoint{}, Error.Wrap(err)
	}
	list, err := scanEndpoints(rows)
	if err != nil {
		return endpoints.StorageEndpoint{}, err
	}
	if len(list) == 0 {
		return endpoints.StorageEndpoint{}, endpoints.ErrNotFound.New("%s", id)
	}
	return list[0], nil
}

func (db *endpointsDB) ListActive(ctx context.Context, projectID uuid.UUID) (_ []endpoints.StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT `+endpointColumns+` FROM storage_endpoints
		WHERE project_id = ? AND active AND NOT shadow
		ORDER BY priority DESC, created_at`),
		projectID.String(),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanEndpoints(rows)
}

func (db *endpointsDB) ListActiveGlobal(ctx context.Context) (_ []endpoints.StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+endpointColumns+` FROM storage_endpoints
		WHERE project_id IS NULL AND active AND NOT shadow
		ORDER BY priority DESC, created_at`,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanEndpoints(rows)
}

func (db *endpointsDB) ListShadows(ctx context.Context, projectID uuid.UUID) (_ []endpoints.StorageEndpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT `+endpointColumns+` FROM storage_endpoints
		WHERE (project_id = ? OR project_id IS NULL) AND active AND shadow
		ORDER BY project_id IS NULL, priority DESC, created_at`),
		projectID.String(),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return scanEndpoints(rows)
}

func scanEndpoints(rows *sql.Rows) (_ []endpoints.StorageEndpoint, err error) {
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var list []endpoints.StorageEndpoint
	for rows.Next() {
		var endpoint endpoints.StorageEndpoint
		var id, createdAt string
		var projectID sql.NullString

		err := rows.Scan(&id, &projectID,
			&endpoint.EndpointURL, &endpoint.PublicURL, &endpoint.Bucket, &endpoint.Region,
			&endpoint.AccessKeyID, &endpoint.SecretKeyRef,
			&endpoint.Priority, &endpoint.Active, &endpoint.Shadow,
			&createdAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		if endpoint.ID, err = uuid.Parse(id); err != nil {
			return nil, Error.Wrap(err)
		}
		if endpoint.ProjectID, err = decodeNullUUID(projectID); err != nil {
			return nil, err
		}
		if endpoint.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		list = append(list, endpoint)
	}
	return list, Error.Wrap(rows.Err())
}

func encodeNullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func decodeNullUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &id, nil
}
