package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeyscan/honeyscan/internal/model"
)

const hostColumns = `id, ip, fqdn, os, meta, created_at, updated_at`

// FindHosts returns hosts matching either the non-empty ip or the non-empty
// fqdn ordered by id.
func FindHosts(ctx context.Context, q Querier, ip, fqdn string) ([]model.Host, error) {
	if ip == "" && fqdn == "" {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts
		WHERE (? <> '' AND ip = ?) OR (? <> '' AND fqdn = ?)
		ORDER BY id`,
		ip, ip, fqdn, fqdn,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return scanHosts(rows)
}

// GetHost returns ErrNotFound if the host does not exist
func GetHost(ctx context.Context, q Querier, id int64) (model.Host, error) {
	row := q.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id)
	h, err := scanHost(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Host{}, ErrNotFound
	case err != nil:
		return model.Host{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return h, nil
}

func ListHosts(ctx context.Context, q Querier) ([]model.Host, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return scanHosts(rows)
}

// InsertHost stores h and sets its ID and timestamps
func InsertHost(ctx context.Context, q Querier, h *model.Host) error {
	meta, err := encodeMeta(h.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO hosts (ip, fqdn, os, meta, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		h.IP, h.FQDN, h.OS, meta, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", Classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching last insert id failed: %w", err)
	}
	h.ID, h.CreatedAt, h.UpdatedAt = id, ts, ts
	return nil
}

// UpdateHost overwrites identifying fields, os and meta of an existing host
func UpdateHost(ctx context.Context, q Querier, h *model.Host) error {
	meta, err := encodeMeta(h.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`UPDATE hosts SET ip = ?, fqdn = ?, os = ?, meta = ?, updated_at = ? WHERE id = ?`,
		h.IP, h.FQDN, h.OS, meta, formatTime(ts), h.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", Classify(err))
	}
	if err := expectOne(res); err != nil {
		return err
	}
	h.UpdatedAt = ts
	return nil
}

// DeleteHost removes the host with its services, vulnerabilities and
// evidence. Registry entries referencing them are kept, their references cleared.
func DeleteHost(ctx context.Context, db *sql.DB, id int64) error {
	return Tx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return expectOne(result)
	})
}

func expectOne(result sql.Result) error {
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (model.Host, error) {
	var h model.Host
	var meta, created, updated string
	if err := s.Scan(&h.ID, &h.IP, &h.FQDN, &h.OS, &meta, &created, &updated); err != nil {
		return h, err
	}
	var err error
	if h.Meta, err = decodeMeta(meta); err != nil {
		return h, err
	}
	if h.CreatedAt, err = parseTime(created); err != nil {
		return h, err
	}
	if h.UpdatedAt, err = parseTime(updated); err != nil {
		return h, err
	}
	return h, nil
}

func scanHosts(rows *sql.Rows) ([]model.Host, error) {
	defer func() { _ = rows.Close() }()
	var ret []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host row failed: %w", err)
		}
		ret = append(ret, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating host rows failed: %w", err)
	}
	return ret, nil
}
