package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/horcrux/vmcore/internal/health"
	"github.com/horcrux/vmcore/internal/migration"
)

const timeLayout = time.RFC3339Nano

// RecordJob upserts a snapshot of job into migration_jobs.
func (s *Store) RecordJob(ctx context.Context, job migration.Job, started time.Time, finished *time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is nil")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}

	var reportJSON any
	if job.Report != nil {
		raw, err := json.Marshal(job.Report)
		if err != nil {
			return fmt.Errorf("marshal report for job %s: %w", job.ID, err)
		}
		reportJSON = string(raw)
	}

	var finishedAt any
	if finished != nil {
		finishedAt = finished.UTC().Format(timeLayout)
	}

	var failReason any
	if job.FailReason != "" {
		failReason = job.FailReason
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO migration_jobs (
		id, vmid, source_node, target_node, mode, state, fail_reason, started_at, finished_at, report_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		fail_reason = excluded.fail_reason,
		finished_at = excluded.finished_at,
		report_json = excluded.report_json`,
		job.ID, job.VMID, job.SourceNode, job.TargetNode, string(job.Mode), string(job.State),
		failReason, started.UTC().Format(timeLayout), finishedAt, reportJSON,
	)
	if err != nil {
		return fmt.Errorf("record migration job %s: %w", job.ID, err)
	}
	return nil
}

// JobRecord is a persisted migration job history row.
type JobRecord struct {
	ID          string
	VMID        int
	SourceNode  string
	TargetNode  string
	Mode        migration.Mode
	State       migration.State
	FailReason  string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Report      *health.Report
}

// GetJob loads a job history row by id.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, vmid, source_node, target_node, mode, state,
		fail_reason, started_at, finished_at, report_json FROM migration_jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// ListJobsForVM loads every recorded job for vmid, most recent first.
func (s *Store) ListJobsForVM(ctx context.Context, vmid int) ([]JobRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, vmid, source_node, target_node, mode, state,
		fail_reason, started_at, finished_at, report_json FROM migration_jobs
		WHERE vmid = ? ORDER BY started_at DESC`, vmid)
	if err != nil {
		return nil, fmt.Errorf("list migration jobs for vm %d: %w", vmid, err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (JobRecord, error) {
	var (
		rec          JobRecord
		mode, state  string
		failReason   sql.NullString
		startedAt    string
		finishedAt   sql.NullString
		reportJSON   sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.VMID, &rec.SourceNode, &rec.TargetNode, &mode, &state,
		&failReason, &startedAt, &finishedAt, &reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, fmt.Errorf("migration job not found: %w", err)
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("scan migration job: %w", err)
	}

	rec.Mode = migration.Mode(mode)
	rec.State = migration.State(state)
	rec.FailReason = failReason.String
	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return JobRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return JobRecord{}, fmt.Errorf("parse finished_at: %w", err)
		}
		rec.FinishedAt = &t
	}
	if reportJSON.Valid {
		var report health.Report
		if err := json.Unmarshal([]byte(reportJSON.String), &report); err != nil {
			return JobRecord{}, fmt.Errorf("unmarshal report: %w", err)
		}
		rec.Report = &report
	}
	return rec, nil
}
