package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeyscan/honeyscan/internal/model"
)

const vulnColumns = `id, service_id, host_id, category, severity, title, description, refs, source, source_plugin, fingerprint, meta, created_at`

// VulnerabilityExists reports if the service already has a vulnerability
// with the fingerprint
func VulnerabilityExists(ctx context.Context, q Querier, serviceID int64, fingerprint string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vulns WHERE service_id = ? AND fingerprint = ?`,
		serviceID, fingerprint,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return n > 0, nil
}

// InsertVulnerability stores v and sets its ID and creation time
func InsertVulnerability(ctx context.Context, q Querier, v *model.Vulnerability) error {
	meta, err := encodeMeta(v.Meta)
	if err != nil {
		return err
	}
	refs, err := encodeStrings(v.References)
	if err != nil {
		return err
	}
	ts := now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO vulns
		(service_id, host_id, category, severity, title, description, refs, source, source_plugin, fingerprint, meta, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ServiceID, v.HostID, v.Category, v.Severity.String(), v.Title, v.Description,
		refs, v.Source, v.SourcePlugin, v.Fingerprint, meta, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", Classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching last insert id failed: %w", err)
	}
	v.ID, v.CreatedAt = id, ts
	return nil
}

// GetVulnerability returns ErrNotFound if the vulnerability does not exist
func GetVulnerability(ctx context.Context, q Querier, id int64) (model.Vulnerability, error) {
	row := q.QueryRowContext(ctx, `SELECT `+vulnColumns+` FROM vulns WHERE id = ?`, id)
	v, err := scanVuln(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Vulnerability{}, ErrNotFound
	case err != nil:
		return model.Vulnerability{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return v, nil
}

// ListVulnerabilities returns vulnerabilities of a host, hostID 0 lists all
func ListVulnerabilities(ctx context.Context, q Querier, hostID int64) ([]model.Vulnerability, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+vulnColumns+` FROM vulns WHERE ? = 0 OR host_id = ? ORDER BY id`,
		hostID, hostID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []model.Vulnerability
	for rows.Next() {
		v, err := scanVuln(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vulnerability row failed: %w", err)
		}
		ret = append(ret, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vulnerability rows failed: %w", err)
	}
	return ret, nil
}

func scanVuln(s scanner) (model.Vulnerability, error) {
	var v model.Vulnerability
	var severity, refs, meta, created string
	err := s.Scan(
		&v.ID, &v.ServiceID, &v.HostID, &v.Category, &severity, &v.Title, &v.Description,
		&refs, &v.Source, &v.SourcePlugin, &v.Fingerprint, &meta, &created,
	)
	if err != nil {
		return v, err
	}
	if v.Severity, err = model.ParseSeverity(severity); err != nil {
		return v, err
	}
	if v.References, err = decodeStrings(refs); err != nil {
		return v, err
	}
	if v.Meta, err = decodeMeta(meta); err != nil {
		return v, err
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return v, err
	}
	return v, nil
}

// InsertEvidence stores e and sets its ID and creation time
func InsertEvidence(ctx context.Context, q Querier, e *model.Evidence) error {
	ts := now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO evidence (vuln_id, log_path, log_type, data, created_at) VALUES (?,?,?,?,?)`,
		e.VulnerabilityID, e.LogPath, e.LogType, e.Data, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", Classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetching last insert id failed: %w", err)
	}
	e.ID, e.CreatedAt = id, ts
	return nil
}

// ListEvidence returns evidence attached to a vulnerability
func ListEvidence(ctx context.Context, q Querier, vulnID int64) ([]model.Evidence, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, vuln_id, log_path, log_type, data, created_at FROM evidence WHERE vuln_id = ? ORDER BY id`,
		vulnID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []model.Evidence
	for rows.Next() {
		var e model.Evidence
		var created string
		if err := rows.Scan(&e.ID, &e.VulnerabilityID, &e.LogPath, &e.LogType, &e.Data, &created); err != nil {
			return nil, fmt.Errorf("scanning evidence row failed: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating evidence rows failed: %w", err)
	}
	return ret, nil
}

// Counts are the row counts per table
type Counts struct {
	Hosts           int `json:"hosts"`
	Services        int `json:"services"`
	Vulnerabilities int `json:"vulnerabilities"`
	Evidence        int `json:"evidence"`
	Registry        int `json:"registry"`
}

func GetCounts(ctx context.Context, q Querier) (Counts, error) {
	var c Counts
	err := q.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM hosts),
			(SELECT COUNT(*) FROM services),
			(SELECT COUNT(*) FROM vulns),
			(SELECT COUNT(*) FROM evidence),
			(SELECT COUNT(*) FROM registry)`,
	).Scan(&c.Hosts, &c.Services, &c.Vulnerabilities, &c.Evidence, &c.Registry)
	if err != nil {
		return c, fmt.Errorf("executing sql query failed: %w", err)
	}
	return c, nil
}
