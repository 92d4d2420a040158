package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeyscan/honeyscan/internal/model"
)

const serviceColumns = `id, host_id, port, protocol, service_name, source_plugin, product, version, banner, meta, created_at, updated_at`

// GetServiceByKey returns ErrNotFound if no service has the key
func GetServiceByKey(ctx context.Context, q Querier, key model.ServiceKey) (model.Service, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services
		WHERE host_id = ? AND port = ? AND protocol = ? AND service_name = ? AND source_plugin = ?`,
		key.HostID, key.Port, string(key.Protocol), key.ServiceName, key.SourcePlugin,
	)
	s, err := scanService(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Service{}, ErrNotFound
	case err != nil:
		return model.Service{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s, nil
}

// InsertService stores s and sets its ID and timestamps. A duplicate key
// yields model.ErrRaceLost.
func InsertService(ctx context.Context, q Querier, s *model.Service) error {
	meta, err := encodeMeta(s.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO services
		(host_id, port, protocol, service_name, source_plugin, product, version, banner, meta, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.HostID, s.Port, string(s.Protocol), s.ServiceName, s.SourcePlugin,
		s.Product, s.Version, s.Banner, meta, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", Classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching last insert id failed: %w", err)
	}
	s.ID, s.CreatedAt, s.UpdatedAt = id, ts, ts
	return nil
}

// UpdateService overwrites the descriptive fields, the key is immutable
func UpdateService(ctx context.Context, q Querier, s *model.Service) error {
	meta, err := encodeMeta(s.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`UPDATE services SET product = ?, version = ?, banner = ?, meta = ?, updated_at = ? WHERE id = ?`,
		s.Product, s.Version, s.Banner, meta, formatTime(ts), s.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", Classify(err))
	}
	if err := expectOne(res); err != nil {
		return err
	}
	s.UpdatedAt = ts
	return nil
}

// ListServices returns services of a host, hostID 0 lists all
func ListServices(ctx context.Context, q Querier, hostID int64) ([]model.Service, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE ? = 0 OR host_id = ? ORDER BY id`,
		hostID, hostID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service row failed: %w", err)
		}
		ret = append(ret, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service rows failed: %w", err)
	}
	return ret, nil
}

func scanService(s scanner) (model.Service, error) {
	var svc model.Service
	var protocol, meta, created, updated string
	err := s.Scan(
		&svc.ID, &svc.HostID, &svc.Port, &protocol, &svc.ServiceName, &svc.SourcePlugin,
		&svc.Product, &svc.Version, &svc.Banner, &meta, &created, &updated,
	)
	if err != nil {
		return svc, err
	}
	svc.Protocol = model.Protocol(protocol)
	if svc.Meta, err = decodeMeta(meta); err != nil {
		return svc, err
	}
	if svc.CreatedAt, err = parseTime(created); err != nil {
		return svc, err
	}
	if svc.UpdatedAt, err = parseTime(updated); err != nil {
		return svc, err
	}
	return svc, nil
}
