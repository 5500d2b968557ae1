package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/superfly/blockplan"
)

// RecordReport stores a commit report and its per-action outcomes in one
// transaction.
func (d *DB) RecordReport(ctx context.Context, report *blockplan.CommitReport) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO commits (run_id, ok, error, retries, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, report.OK, nullable(report.Error), report.Retries,
		report.StartedAt.UTC(), report.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert commit %s: %w", report.RunID, err)
	}

	insert := func(rec blockplan.ActionRecord) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO commit_actions (run_id, action_index, summary, device_name, status, error, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, rec.Index, rec.Summary, rec.DeviceName, rec.Status,
			nullable(rec.Error), nullableTime(rec.StartedAt), nullableTime(rec.FinishedAt))
		return err
	}
	for _, rec := range report.Executed {
		if err := insert(rec); err != nil {
			return fmt.Errorf("failed to insert action record: %w", err)
		}
	}
	for _, rec := range report.Pending {
		if err := insert(rec); err != nil {
			return fmt.Errorf("failed to insert action record: %w", err)
		}
	}
	return tx.Commit()
}

// ReportByRunID loads a stored commit report. Returns nil without error when
// the run is unknown.
func (d *DB) ReportByRunID(ctx context.Context, runID string) (*blockplan.CommitReport, error) {
	report := &blockplan.CommitReport{RunID: runID}
	var errMsg sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT ok, error, retries, started_at, finished_at FROM commits WHERE run_id = ?`, runID).
		Scan(&report.OK, &errMsg, &report.Retries, &report.StartedAt, &report.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", runID, err)
	}
	report.Error = errMsg.String

	rows, err := d.db.QueryContext(ctx,
		`SELECT action_index, summary, device_name, status, error, started_at, finished_at
		 FROM commit_actions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions for %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec blockplan.ActionRecord
		var recErr sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&rec.Index, &rec.Summary, &rec.DeviceName, &rec.Status, &recErr, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		rec.Error = recErr.String
		rec.StartedAt = started.Time
		rec.FinishedAt = finished.Time
		if rec.Status == "pending" {
			report.Pending = append(report.Pending, rec)
		} else {
			report.Executed = append(report.Executed, rec)
		}
	}
	return report, rows.Err()
}

// CommitSummary is one row of commit history.
type CommitSummary struct {
	RunID      string
	OK         bool
	Error      string
	Retries    int
	Actions    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecentCommits lists the most recent commit runs, newest first.
func (d *DB) RecentCommits(ctx context.Context, limit int) ([]CommitSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT c.run_id, c.ok, c.error, c.retries, c.started_at, c.finished_at,
		        (SELECT COUNT(*) FROM commit_actions a WHERE a.run_id = c.run_id)
		 FROM commits c ORDER BY c.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	var out []CommitSummary
	for rows.Next() {
		var s CommitSummary
		var errMsg sql.NullString
		if err := rows.Scan(&s.RunID, &s.OK, &errMsg, &s.Retries, &s.StartedAt, &s.FinishedAt, &s.Actions); err != nil {
			return nil, fmt.Errorf("failed to scan commit summary: %w", err)
		}
		s.Error = errMsg.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
