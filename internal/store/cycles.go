package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cycle is one ingestion cycle in the ledger. Report holds the JSON encoded
// resolution report of a successful cycle.
type Cycle struct {
	UUID          string
	InProgress    bool
	Success       *bool
	Report        *string
	FailureReason *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type CycleRow struct {
	Cycle
	ID int64
}

func (c CycleRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, in_progress: %t", c.UUID, c.InProgress)
	if c.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *c.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if c.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *c.FailureReason)
	}
	return sb.String()
}

// StartCycle records that the cycle identified by uuid is in progress.
// Starting a cycle still in progress is a no-op, a finished one yields
// ErrAlreadyFinished.
func StartCycle(ctx context.Context, db *sql.DB, uuid string) error {
	return Tx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		var inProgress bool
		err := tx.QueryRowContext(ctx,
			`SELECT in_progress FROM cycles WHERE uuid = ?`, uuid,
		).Scan(&inProgress)
		switch {
		case err == nil && inProgress:
			return nil
		case err == nil && !inProgress:
			return ErrAlreadyFinished
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("executing sql query failed: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cycles (uuid, in_progress, started_at) VALUES (?,?,?)`,
			uuid, true, formatTime(now()),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

const cycleColumns = `id, uuid, in_progress, success, report, failure_reason, started_at, finished_at`

// GetCycle returns ErrNotFound when the cycle does not exist
func GetCycle(ctx context.Context, q Querier, uuid string) (CycleRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE uuid = ?`, uuid)
	c, err := scanCycle(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CycleRow{}, ErrNotFound
	case err != nil:
		return CycleRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return c, nil
}

// ListCycles returns the most recent cycles first, limit <= 0 returns all
func ListCycles(ctx context.Context, q Querier, limit int) ([]CycleRow, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ret []CycleRow
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cycle row failed: %w", err)
		}
		ret = append(ret, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cycle rows failed: %w", err)
	}
	return ret, nil
}

// FinishCycleOK marks the cycle successful and stores its report.
// ErrAlreadyFinished and ErrNotFound are returned for finished or unknown cycles.
func FinishCycleOK(ctx context.Context, db *sql.DB, uuid, report string) error {
	return Tx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		if err := checkIsInProgress(ctx, tx, uuid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE cycles
			SET
				in_progress = false,
				success = true,
				report = ?,
				finished_at = ?
			WHERE uuid = ?`,
			report, formatTime(now()), uuid,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

// FinishCycleErr marks the cycle failed with the reason.
// ErrAlreadyFinished and ErrNotFound are returned for finished or unknown cycles.
func FinishCycleErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return Tx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		if err := checkIsInProgress(ctx, tx, uuid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE cycles
			SET
				in_progress = false,
				success = false,
				failure_reason = ?,
				finished_at = ?
			WHERE uuid = ?`,
			reason, formatTime(now()), uuid,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

func checkIsInProgress(ctx context.Context, tx *sql.Tx, uuid string) error {
	var inProgress bool
	err := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM cycles WHERE uuid = ?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	return nil
}

// DeleteCycle returns ErrNotFound when the cycle does not exist
func DeleteCycle(ctx context.Context, db *sql.DB, uuid string) error {
	return Tx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE uuid = ?`, uuid)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return expectOne(result)
	})
}

func scanCycle(s scanner) (CycleRow, error) {
	var c CycleRow
	var started string
	var finished sql.NullString
	err := s.Scan(
		&c.ID, &c.UUID, &c.InProgress, &c.Success, &c.Report, &c.FailureReason, &started, &finished,
	)
	if err != nil {
		return c, err
	}
	if c.StartedAt, err = parseTime(started); err != nil {
		return c, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return c, err
		}
		c.FinishedAt = &t
	}
	return c, nil
}
