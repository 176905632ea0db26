package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cafeauto/backbone/internal/domain/schedule"
)

func (s *Store) CreateSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, owner_id, template_id, credential_id, name, schedule_kind, run_time, daily_post_count, post_interval_minutes,
			user_enabled, admin_status, admin_reason, suspended_at,
			today_posted_count, last_run_date, next_post_at, consecutive_failures,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, sc.ID, sc.OwnerID, sc.TemplateID, sc.CredentialID, sc.Name, string(sc.ScheduleKind), sc.RunTime, sc.DailyPostCount, sc.PostIntervalMinutes,
		sc.UserEnabled, string(sc.AdminStatus), toNullString(sc.AdminReason), toNullTime(sc.SuspendedAt),
		sc.TodayPostedCount, toNullTime(sc.LastRunDate), toNullTime(sc.NextPostAt), sc.ConsecutiveFailures,
		sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

const scheduleColumns = `
	id, owner_id, template_id, credential_id, name, schedule_kind, run_time, daily_post_count, post_interval_minutes,
	user_enabled, admin_status, admin_reason, suspended_at,
	today_posted_count, last_run_date, next_post_at, consecutive_failures,
	created_at, updated_at
`

func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *Store) UpdateSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	sc.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET template_id = $2, credential_id = $3, name = $4, schedule_kind = $5, run_time = $6, daily_post_count = $7, post_interval_minutes = $8,
		    user_enabled = $9, admin_status = $10, admin_reason = $11, suspended_at = $12,
		    today_posted_count = $13, last_run_date = $14, next_post_at = $15, consecutive_failures = $16,
		    updated_at = $17
		WHERE id = $1
	`, sc.ID, sc.TemplateID, sc.CredentialID, sc.Name, string(sc.ScheduleKind), sc.RunTime, sc.DailyPostCount, sc.PostIntervalMinutes,
		sc.UserEnabled, string(sc.AdminStatus), toNullString(sc.AdminReason), toNullTime(sc.SuspendedAt),
		sc.TodayPostedCount, toNullTime(sc.LastRunDate), toNullTime(sc.NextPostAt), sc.ConsecutiveFailures,
		sc.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, sql.ErrNoRows
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, ownerID string) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE $1 = '' OR owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListDue implements §4.5 step 2's SQL-side half of candidate selection: an
// index-friendly filter on nextPostAt, leaving the todayPostedCount<dailyPostCount
// inequality for the caller to apply in-memory.
func (s *Store) ListDue(ctx context.Context, asOf time.Time) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE user_enabled = true AND admin_status = $1 AND next_post_at <= $2
		ORDER BY next_post_at
	`, string(schedule.AdminApproved), asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListNeedingDailyReset implements §4.5 step 1's candidate set.
func (s *Store) ListNeedingDailyReset(ctx context.Context, todayStart time.Time) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE user_enabled = true AND admin_status = $1
		  AND ((today_posted_count > 0 AND last_run_date < $2) OR next_post_at IS NULL)
	`, string(schedule.AdminApproved), todayStart.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ReserveSlot is the row-conditional update that is the linchpin of the
// scheduler's correctness under concurrent replicas (§4.5 step 5, §9). The
// WHERE predicate on next_post_at and today_posted_count must never be
// relaxed: doing so breaks the daily-quota invariant under concurrency.
func (s *Store) ReserveSlot(ctx context.Context, id string, observedCount int, asOf time.Time, nextPostAt time.Time) (int, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET today_posted_count = today_posted_count + 1,
		    next_post_at = $4
		WHERE id = $1
		  AND next_post_at <= $2
		  AND today_posted_count = $3
	`, id, asOf.UTC(), observedCount, nextPostAt.UTC())
	if err != nil {
		return 0, false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if rows == 0 {
		return 0, false, nil
	}
	return observedCount + 1, true, nil
}

func scanSchedules(rows *sql.Rows) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (schedule.Schedule, error) {
	var (
		sc          schedule.Schedule
		kind        string
		adminStatus string
		adminReason sql.NullString
		suspendedAt sql.NullTime
		lastRunDate sql.NullTime
		nextPostAt  sql.NullTime
	)
	if err := row.Scan(
		&sc.ID, &sc.OwnerID, &sc.TemplateID, &sc.CredentialID, &sc.Name, &kind, &sc.RunTime, &sc.DailyPostCount, &sc.PostIntervalMinutes,
		&sc.UserEnabled, &adminStatus, &adminReason, &suspendedAt,
		&sc.TodayPostedCount, &lastRunDate, &nextPostAt, &sc.ConsecutiveFailures,
		&sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return schedule.Schedule{}, err
	}
	sc.ScheduleKind = schedule.Kind(kind)
	sc.AdminStatus = schedule.AdminStatus(adminStatus)
	sc.AdminReason = fromNullString(adminReason)
	sc.SuspendedAt = fromNullTime(suspendedAt)
	sc.LastRunDate = fromNullTime(lastRunDate)
	sc.NextPostAt = fromNullTime(nextPostAt)
	return sc, nil
}
