package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cafeauto/backbone/internal/domain/run"
)

const runColumns = `
	id, schedule_id, owner_id, run_date, status, total_jobs, completed_jobs, failed_jobs, skipped_jobs,
	started_at, finished_at, triggered_at, block_code, block_reason
`

func (s *Store) CreateRun(ctx context.Context, r run.Run) (run.Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TriggeredAt.IsZero() {
		r.TriggeredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.ScheduleID, r.OwnerID, r.RunDate.UTC(), string(r.Status), r.TotalJobs, r.CompletedJobs, r.FailedJobs, r.SkippedJobs,
		toNullTime(r.StartedAt), toNullTime(r.FinishedAt), r.TriggeredAt, toNullString(string(r.BlockCode)), toNullString(r.BlockReason))
	if err != nil {
		return run.Run{}, err
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *Store) GetRunByScheduleAndDate(ctx context.Context, scheduleID string, runDate time.Time) (run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE schedule_id = $1 AND run_date = $2
	`, scheduleID, runDate.UTC())
	return scanRun(row)
}

func (s *Store) UpdateRun(ctx context.Context, r run.Run) (run.Run, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, total_jobs = $3, completed_jobs = $4, failed_jobs = $5, skipped_jobs = $6,
		    started_at = $7, finished_at = $8, block_code = $9, block_reason = $10
		WHERE id = $1
	`, r.ID, string(r.Status), r.TotalJobs, r.CompletedJobs, r.FailedJobs, r.SkippedJobs,
		toNullTime(r.StartedAt), toNullTime(r.FinishedAt), toNullString(string(r.BlockCode)), toNullString(r.BlockReason))
	if err != nil {
		return run.Run{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return run.Run{}, sql.ErrNoRows
	}
	return r, nil
}

func (s *Store) ListRunsBySchedule(ctx context.Context, scheduleID string) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE schedule_id = $1 ORDER BY run_date DESC
	`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListActive implements the §6 active-runs snapshot contract's store half.
func (s *Store) ListActive(ctx context.Context, asOf time.Time, flashWindow time.Duration) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ($1, $2)
		   OR (status IN ($3, $4) AND finished_at >= $5)
		ORDER BY triggered_at DESC
	`, string(run.StatusRunning), string(run.StatusQueued), string(run.StatusCompleted), string(run.StatusFailed), asOf.Add(-flashWindow).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListStuck implements the stuck-state recovery sweep's read side (§4.4).
func (s *Store) ListStuck(ctx context.Context) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND total_jobs > 0 AND (completed_jobs + failed_jobs + skipped_jobs) >= total_jobs
	`, string(run.StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]run.Run, error) {
	var out []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (run.Run, error) {
	var (
		r           run.Run
		status      string
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		blockCode   sql.NullString
		blockReason sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.ScheduleID, &r.OwnerID, &r.RunDate, &status, &r.TotalJobs, &r.CompletedJobs, &r.FailedJobs, &r.SkippedJobs,
		&startedAt, &finishedAt, &r.TriggeredAt, &blockCode, &blockReason,
	); err != nil {
		return run.Run{}, err
	}
	r.Status = run.Status(status)
	r.RunDate = r.RunDate.UTC()
	r.StartedAt = fromNullTime(startedAt)
	r.FinishedAt = fromNullTime(finishedAt)
	r.BlockCode = run.BlockCode(fromNullString(blockCode))
	r.BlockReason = fromNullString(blockReason)
	return r, nil
}
