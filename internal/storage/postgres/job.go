package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/storage"
)

const jobColumns = `
	id, type, owner_id, run_id, sequence_number, payload, status, attempts, max_attempts,
	error_code, error_message, created_at, started_at, finished_at, run_mode
`

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := marshalJSON(j.Payload)
	if err != nil {
		return job.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, j.ID, string(j.Type), j.OwnerID, toNullString(j.RunID), nullableSeq(j.SequenceNumber), payloadJSON, string(j.Status),
		j.Attempts, j.MaxAttempts, toNullString(j.ErrorCode), toNullString(j.ErrorMessage), j.CreatedAt,
		toNullTime(j.StartedAt), toNullTime(j.FinishedAt), string(j.RunMode))
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	payloadJSON, err := marshalJSON(j.Payload)
	if err != nil {
		return job.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, error_code = $4, error_message = $5,
		    started_at = $6, finished_at = $7, payload = $8
		WHERE id = $1
	`, j.ID, string(j.Status), j.Attempts, toNullString(j.ErrorCode), toNullString(j.ErrorMessage),
		toNullTime(j.StartedAt), toNullTime(j.FinishedAt), payloadJSON)
	if err != nil {
		return job.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return job.Job{}, sql.ErrNoRows
	}
	return j, nil
}

func (s *Store) AppendLog(ctx context.Context, entry job.Log) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := marshalJSON(entry.Meta)
	if err != nil {
		return fmt.Errorf("marshal log meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.JobID, string(entry.Level), entry.Message, metaJSON, entry.CreatedAt)
	return err
}

func (s *Store) ListLogs(ctx context.Context, jobID string) ([]job.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, level, message, meta, created_at FROM job_logs
		WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Log
	for rows.Next() {
		var (
			entry    job.Log
			level    string
			metaJSON []byte
		)
		if err := rows.Scan(&entry.JobID, &level, &entry.Message, &metaJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Level = job.LogLevel(level)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &entry.Meta)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// QueryJobs implements §4.3's read path. The scheduleId filter is applied
// against the JSON payload with gjson (cheap, single-field projection) and
// the scheduleName filter with a jsonpath lookup of $.scheduleName, rather
// than a bespoke parser; an implementer who denormalises
// those fields into real columns can drop this in favour of a plain WHERE
// clause without changing the interface.
func (s *Store) QueryJobs(ctx context.Context, ownerID string, filter storage.JobFilter, page storage.Pagination) ([]job.Job, int, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Type != "" {
		where = append(where, "type = "+arg(string(filter.Type)))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if !filter.DateFrom.IsZero() {
		where = append(where, "created_at >= "+arg(filter.DateFrom.UTC()))
	}
	if !filter.DateTo.IsZero() {
		where = append(where, "created_at <= "+arg(filter.DateTo.UTC()))
	}
	if filter.RunID != "" {
		where = append(where, "run_id = "+arg(filter.RunID))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var all []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		if !matchesPayloadFilter(j, filter) {
			continue
		}
		all = append(all, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(all)
	start := page.Offset
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	return all[start:end], total, nil
}

func matchesPayloadFilter(j job.Job, filter storage.JobFilter) bool {
	if filter.ScheduleID == "" && filter.ScheduleName == "" {
		return true
	}
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return false
	}
	if filter.ScheduleID != "" {
		if gjson.GetBytes(payloadJSON, "scheduleId").String() != filter.ScheduleID {
			return false
		}
	}
	if filter.ScheduleName != "" {
		var doc any
		if err := json.Unmarshal(payloadJSON, &doc); err == nil {
			if v, err := jsonpath.Get("$.scheduleName", doc); err == nil {
				if name, ok := v.(string); ok && !strings.Contains(strings.ToLower(name), strings.ToLower(filter.ScheduleName)) {
					return false
				}
			}
		}
	}
	return true
}

// DeleteJobs implements §4.3's bulk delete: PENDING/PROCESSING jobs are never
// matched, and deletion cascades to job_logs in one transaction.
func (s *Store) DeleteJobs(ctx context.Context, ownerID string, selector storage.DeleteSelector, olderThan time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	where := []string{"owner_id = $1", "status NOT IN ('PENDING', 'PROCESSING')"}
	args := []any{ownerID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(selector.IDs) > 0 {
		placeholders := make([]string, len(selector.IDs))
		for i, id := range selector.IDs {
			placeholders[i] = arg(id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ",")+")")
	} else {
		switch selector.Filter {
		case storage.DeleteCompleted:
			where = append(where, "status = "+arg("COMPLETED"))
		case storage.DeleteFailed:
			where = append(where, "status = "+arg("FAILED"))
		case storage.DeleteOlderThan:
			where = append(where, "created_at < "+arg(olderThan.UTC()))
		case storage.DeleteAllTerminal:
			// already constrained by the NOT IN clause above
		}
	}

	query := `DELETE FROM job_logs WHERE job_id IN (SELECT id FROM jobs WHERE ` + strings.Join(where, " AND ") + `)`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), tx.Commit()
}

func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = 'PENDING' AND created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullableSeq(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func scanJob(row rowScanner) (job.Job, error) {
	var (
		j              job.Job
		jobType        string
		runID          sql.NullString
		sequenceNumber sql.NullInt64
		payloadJSON    []byte
		status         string
		errorCode      sql.NullString
		errorMessage   sql.NullString
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
		runMode        string
	)
	if err := row.Scan(
		&j.ID, &jobType, &j.OwnerID, &runID, &sequenceNumber, &payloadJSON, &status, &j.Attempts, &j.MaxAttempts,
		&errorCode, &errorMessage, &j.CreatedAt, &startedAt, &finishedAt, &runMode,
	); err != nil {
		return job.Job{}, err
	}
	j.Type = job.Type(jobType)
	j.RunID = fromNullString(runID)
	if sequenceNumber.Valid {
		j.SequenceNumber = int(sequenceNumber.Int64)
	}
	j.Status = job.Status(status)
	j.ErrorCode = fromNullString(errorCode)
	j.ErrorMessage = fromNullString(errorMessage)
	j.StartedAt = fromNullTime(startedAt)
	j.FinishedAt = fromNullTime(finishedAt)
	j.RunMode = job.RunMode(runMode)
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &j.Payload)
	}
	return j, nil
}
