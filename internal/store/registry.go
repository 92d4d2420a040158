package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/honeyscan/honeyscan/internal/model"
)

const registryColumns = `id, target_type, target_value, port, protocol, host_id, service_id, source_plugin, status, tags, meta, created_at, updated_at`

// GetRegistryByKey returns ErrNotFound if no entry has the key
func GetRegistryByKey(ctx context.Context, q Querier, key model.RegistryKey) (model.RegistryEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM registry
		WHERE target_type = ? AND target_value = ? AND port = ? AND protocol = ?`,
		string(key.TargetType), key.TargetValue, key.Port, string(key.Protocol),
	)
	return oneRegistry(row)
}

// GetRegistry returns ErrNotFound if the entry does not exist
func GetRegistry(ctx context.Context, q Querier, id int64) (model.RegistryEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM registry WHERE id = ?`, id)
	return oneRegistry(row)
}

func oneRegistry(row *sql.Row) (model.RegistryEntry, error) {
	e, err := scanRegistry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.RegistryEntry{}, ErrNotFound
	case err != nil:
		return model.RegistryEntry{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return e, nil
}

// InsertRegistry stores e in status new unless e.Status is set. A duplicate
// key yields model.ErrRaceLost.
func InsertRegistry(ctx context.Context, q Querier, e *model.RegistryEntry) error {
	if e.Status == "" {
		e.Status = model.StatusNew
	}
	tags, err := encodeStrings(e.Tags)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO registry
		(target_type, target_value, port, protocol, host_id, service_id, source_plugin, status, tags, meta, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(e.TargetType), e.TargetValue, e.Port, string(e.Protocol), e.HostID, e.ServiceID,
		e.SourcePlugin, string(e.Status), tags, meta, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", Classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching last insert id failed: %w", err)
	}
	e.ID, e.CreatedAt, e.UpdatedAt = id, ts, ts
	return nil
}

// UpdateRegistryEnrichment writes tags, meta and the host/service references.
// The status is never touched.
func UpdateRegistryEnrichment(ctx context.Context, q Querier, e *model.RegistryEntry) error {
	tags, err := encodeStrings(e.Tags)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`UPDATE registry SET tags = ?, meta = ?, host_id = ?, service_id = ?, updated_at = ? WHERE id = ?`,
		tags, meta, e.HostID, e.ServiceID, formatTime(ts), e.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", Classify(err))
	}
	if err := expectOne(res); err != nil {
		return err
	}
	e.UpdatedAt = ts
	return nil
}

// CompareAndSetStatus moves the entry to status to only if its current
// status is one of from. It is a single conditional UPDATE, false means the
// entry was not in any of the from states. A non nil meta replaces the
// stored one in the same statement.
func CompareAndSetStatus(ctx context.Context, q Querier, id int64, from []model.Status, to model.Status, meta model.Meta) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), formatTime(now())}
	set := `status = ?, updated_at = ?`
	if meta != nil {
		m, err := encodeMeta(meta)
		if err != nil {
			return false, err
		}
		set += `, meta = ?`
		args = append(args, m)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := q.ExecContext(ctx,
		`UPDATE registry SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("executing sql update failed: %w", Classify(err))
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return ra == 1, nil
}

// RegistryFilter narrows ListRegistry, zero values match everything. Tags
// match entries sharing at least one tag.
type RegistryFilter struct {
	Statuses     []model.Status
	TargetType   model.TargetType
	SourcePlugin string
	Protocol     model.Protocol
	Tags         []string
	Limit        int
}

func (f RegistryFilter) where() (string, []any) {
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.TargetType != "" {
		conds = append(conds, `target_type = ?`)
		args = append(args, string(f.TargetType))
	}
	if f.SourcePlugin != "" {
		conds = append(conds, `source_plugin = ?`)
		args = append(args, f.SourcePlugin)
	}
	if f.Protocol != "" {
		conds = append(conds, `protocol = ?`)
		args = append(args, string(f.Protocol))
	}
	if len(f.Tags) > 0 {
		conds = append(conds,
			`EXISTS (SELECT 1 FROM json_each(registry.tags) WHERE json_each.value IN (`+placeholders(len(f.Tags))+`))`)
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

// ListRegistry returns matching entries, oldest first
func ListRegistry(ctx context.Context, q Querier, f RegistryFilter) ([]model.RegistryEntry, error) {
	where, args := f.where()
	query := `SELECT ` + registryColumns + ` FROM registry` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []model.RegistryEntry
	for rows.Next() {
		e, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning registry row failed: %w", err)
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registry rows failed: %w", err)
	}
	return ret, nil
}

// PurgeRegistry deletes entries in any of the statuses and returns their count
func PurgeRegistry(ctx context.Context, q Querier, statuses []model.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM registry WHERE status IN (`+placeholders(len(statuses))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return n, nil
}

func scanRegistry(s scanner) (model.RegistryEntry, error) {
	var e model.RegistryEntry
	var targetType, protocol, status, tags, meta, created, updated string
	var hostID, serviceID sql.NullInt64
	err := s.Scan(
		&e.ID, &targetType, &e.TargetValue, &e.Port, &protocol, &hostID, &serviceID,
		&e.SourcePlugin, &status, &tags, &meta, &created, &updated,
	)
	if err != nil {
		return e, err
	}
	e.TargetType = model.TargetType(targetType)
	e.Protocol = model.Protocol(protocol)
	e.Status = model.Status(status)
	if hostID.Valid {
		e.HostID = &hostID.Int64
	}
	if serviceID.Valid {
		e.ServiceID = &serviceID.Int64
	}
	if e.Tags, err = decodeStrings(tags); err != nil {
		return e, err
	}
	if e.Meta, err = decodeMeta(meta); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, err
	}
	return e, nil
}
