package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SessionMode selects how a cron job runs its prompt (spec.md §3/§4.5).
type SessionMode string

const (
	SessionIsolated   SessionMode = "isolated"
	SessionPersistent SessionMode = "persistent"
)

// CronJob is one configured or tool-created scheduled job.
type CronJob struct {
	Name          string
	Schedule      string
	Prompt        string
	TargetChannel string
	SessionMode   SessionMode
	Enabled       bool
	CreatedAt     int64
	UpdatedAt     int64
}

// UpsertCronJob creates a job or replaces its definition in place, keeping
// created_at stable across re-upserts of the same name (spec.md §3:
// "upserted from config at startup or created by tool").
func (s *Store) UpsertCronJob(ctx context.Context, j CronJob) error {
	now := nowMillis()
	var target interface{}
	if j.TargetChannel != "" {
		target = j.TargetChannel
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (name, schedule, prompt, target_channel, session_mode, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			target_channel = excluded.target_channel,
			session_mode = excluded.session_mode,
			enabled = excluded.enabled
	`, j.Name, j.Schedule, j.Prompt, target, string(j.SessionMode), j.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert cron job %s: %w", j.Name, err)
	}
	return nil
}

// EnabledCronJobs returns every job with enabled = true.
func (s *Store) EnabledCronJobs(ctx context.Context) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, schedule, prompt, IFNULL(target_channel,''), session_mode, enabled, created_at, updated_at
		FROM cron_jobs WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("store: enabled cron jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		var j CronJob
		var mode string
		if err := rows.Scan(&j.Name, &j.Schedule, &j.Prompt, &j.TargetChannel, &mode,
			&j.Enabled, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.SessionMode = SessionMode(mode)
		out = append(out, j)
	}
	return out, rows.Err()
}

// TouchCronJob sets updated_at = now, marking the job as fired this window
// so it is not re-run on the next tick within the same schedule period
// (spec §4.5: "Unconditionally update cron_jobs.updated_at = now").
func (s *Store) TouchCronJob(ctx context.Context, name string, atMillis int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET updated_at = ? WHERE name = ?`, atMillis, name)
	if err != nil {
		return fmt.Errorf("store: touch cron job %s: %w", name, err)
	}
	return nil
}

// CronRunStatus is the closed set of cron_runs.status values.
type CronRunStatus string

const (
	RunRunning CronRunStatus = "running"
	RunOK      CronRunStatus = "ok"
	RunError   CronRunStatus = "error"
)

// StartCronRun inserts a running run row and returns its id.
func (s *Store) StartCronRun(ctx context.Context, jobName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (job_id, status, started_at) VALUES (?, 'running', ?)
	`, jobName, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("store: start cron run %s: %w", jobName, err)
	}
	return res.LastInsertId()
}

// FinishCronRun transitions a run to its terminal status with a result or
// error string.
func (s *Store) FinishCronRun(ctx context.Context, runID int64, status CronRunStatus, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_runs SET status = ?, result = ?, finished_at = ? WHERE id = ?
	`, string(status), result, nowMillis(), runID)
	if err != nil {
		return fmt.Errorf("store: finish cron run %d: %w", runID, err)
	}
	return nil
}

// LastCronRun returns the most recently started run for a job, if any.
func (s *Store) LastCronRun(ctx context.Context, jobName string) (*CronRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, IFNULL(result,''), started_at, finished_at
		FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT 1
	`, jobName)
	var r CronRun
	var finished sql.NullInt64
	err := row.Scan(&r.ID, &r.JobID, &r.Status, &r.Result, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: last cron run %s: %w", jobName, err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Int64
	}
	return &r, true, nil
}

// CronRun mirrors one cron_runs row.
type CronRun struct {
	ID         int64
	JobID      string
	Status     string
	Result     string
	StartedAt  int64
	FinishedAt int64
}
