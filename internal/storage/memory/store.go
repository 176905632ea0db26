// Package memory is a thread-safe in-memory persistence layer implementing
// the storage interfaces. It is the dependency-free default used by tests
// and single-process demos; it deliberately keeps the implementation simple.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cafeauto/backbone/internal/domain/credential"
	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/schedule"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/domain/template"
	"github.com/cafeauto/backbone/internal/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]credential.Credential
	sessions    map[string]session.Session
	schedules   map[string]schedule.Schedule
	runs        map[string]run.Run
	jobs        map[string]job.Job
	logs        map[string][]job.Log
	templates   map[string]template.Template
}

var _ storage.TemplateStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)
var _ storage.RunStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		credentials: make(map[string]credential.Credential),
		sessions:    make(map[string]session.Session),
		schedules:   make(map[string]schedule.Schedule),
		runs:        make(map[string]run.Run),
		jobs:        make(map[string]job.Job),
		logs:        make(map[string][]job.Log),
		templates:   make(map[string]template.Template),
	}
}

// --- TemplateStore ------------------------------------------------------------

// SeedTemplate installs a template directly, bypassing the external CRUD
// surface this store has no opinion about. Tests and local-demo bootstrap
// use this to make a templateId resolvable.
func (s *Store) SeedTemplate(t template.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *Store) GetTemplate(_ context.Context, id string) (template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return template.Template{}, sql.ErrNoRows
	}
	return t, nil
}

// --- CredentialStore ---------------------------------------------------------

func (s *Store) CreateCredential(_ context.Context, c credential.Credential) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.credentials[c.ID] = c
	return c, nil
}

func (s *Store) GetCredential(_ context.Context, id string) (credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return credential.Credential{}, sql.ErrNoRows
	}
	return c, nil
}

func (s *Store) UpdateCredential(_ context.Context, c credential.Credential) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return credential.Credential{}, sql.ErrNoRows
	}
	c.UpdatedAt = time.Now().UTC()
	s.credentials[c.ID] = c
	return c, nil
}

func (s *Store) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, id)
	return nil
}

func (s *Store) ListCredentials(_ context.Context, ownerID string) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []credential.Credential
	for _, c := range s.credentials {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- SessionStore -------------------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func (s *Store) GetSessionByCredential(_ context.Context, credentialID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest session.Session
	found := false
	for _, sess := range s.sessions {
		if sess.CredentialID != credentialID {
			continue
		}
		if !found || sess.CreatedAt.After(latest.CreatedAt) {
			latest, found = sess, true
		}
	}
	if !found {
		return session.Session{}, sql.ErrNoRows
	}
	return latest, nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return session.Session{}, sql.ErrNoRows
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// --- ScheduleStore --------------------------------------------------------

func (s *Store) CreateSchedule(_ context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, sql.ErrNoRows
	}
	return sc, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return schedule.Schedule{}, sql.ErrNoRows
	}
	sc.UpdatedAt = time.Now().UTC()
	s.schedules[sc.ID] = sc
	return sc, nil
}

func (s *Store) ListSchedules(_ context.Context, ownerID string) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schedule.Schedule
	for _, sc := range s.schedules {
		if ownerID == "" || sc.OwnerID == ownerID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDue(_ context.Context, asOf time.Time) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schedule.Schedule
	for _, sc := range s.schedules {
		if sc.UserEnabled && sc.AdminStatus == schedule.AdminApproved && !sc.NextPostAt.IsZero() && !sc.NextPostAt.After(asOf) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPostAt.Before(out[j].NextPostAt) })
	return out, nil
}

func (s *Store) ListNeedingDailyReset(_ context.Context, todayStart time.Time) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schedule.Schedule
	for _, sc := range s.schedules {
		if !sc.UserEnabled || sc.AdminStatus != schedule.AdminApproved {
			continue
		}
		if (sc.TodayPostedCount > 0 && sc.LastRunDate.Before(todayStart)) || sc.NextPostAt.IsZero() {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Store) ReserveSlot(_ context.Context, id string, observedCount int, asOf time.Time, nextPostAt time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return 0, false, sql.ErrNoRows
	}
	if sc.NextPostAt.After(asOf) || sc.TodayPostedCount != observedCount {
		return 0, false, nil
	}
	sc.TodayPostedCount++
	sc.NextPostAt = nextPostAt
	sc.UpdatedAt = time.Now().UTC()
	s.schedules[id] = sc
	return sc.TodayPostedCount, true, nil
}

// --- RunStore ---------------------------------------------------------------

func (s *Store) CreateRun(_ context.Context, r run.Run) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TriggeredAt.IsZero() {
		r.TriggeredAt = time.Now().UTC()
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) GetRun(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, sql.ErrNoRows
	}
	return r, nil
}

func (s *Store) GetRunByScheduleAndDate(_ context.Context, scheduleID string, runDate time.Time) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.ScheduleID == scheduleID && sameDate(r.RunDate, runDate) {
			return r, nil
		}
	}
	return run.Run{}, sql.ErrNoRows
}

func (s *Store) UpdateRun(_ context.Context, r run.Run) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return run.Run{}, sql.ErrNoRows
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *Store) ListRunsBySchedule(_ context.Context, scheduleID string) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.ScheduleID == scheduleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunDate.After(out[j].RunDate) })
	return out, nil
}

func (s *Store) ListActive(_ context.Context, asOf time.Time, flashWindow time.Duration) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.runs {
		switch r.Status {
		case run.StatusRunning, run.StatusQueued:
			out = append(out, r)
		case run.StatusCompleted, run.StatusFailed:
			if !r.FinishedAt.IsZero() && asOf.Sub(r.FinishedAt) <= flashWindow {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *Store) ListStuck(_ context.Context) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Status == run.StatusRunning && r.TotalJobs > 0 && r.Processed() >= r.TotalJobs {
			out = append(out, r)
		}
	}
	return out, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// --- JobStore ----------------------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, sql.ErrNoRows
	}
	return j, nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return job.Job{}, sql.ErrNoRows
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *Store) AppendLog(_ context.Context, entry job.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, jobID string) ([]job.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Log, len(s.logs[jobID]))
	copy(out, s.logs[jobID])
	return out, nil
}

func (s *Store) QueryJobs(_ context.Context, ownerID string, filter storage.JobFilter, page storage.Pagination) ([]job.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []job.Job
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.DateFrom.IsZero() && j.CreatedAt.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && j.CreatedAt.After(filter.DateTo) {
			continue
		}
		if filter.ScheduleID != "" && j.Payload.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.ScheduleName != "" && !strings.Contains(strings.ToLower(j.Payload.ScheduleName), strings.ToLower(filter.ScheduleName)) {
			continue
		}
		if filter.RunID != "" && j.RunID != filter.RunID {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

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

func (s *Store) DeleteJobs(_ context.Context, ownerID string, selector storage.DeleteSelector, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(j job.Job) bool {
		if j.OwnerID != ownerID {
			return false
		}
		if j.Status == job.StatusPending || j.Status == job.StatusProcessing {
			return false
		}
		if len(selector.IDs) > 0 {
			for _, id := range selector.IDs {
				if id == j.ID {
					return true
				}
			}
			return false
		}
		switch selector.Filter {
		case storage.DeleteCompleted:
			return j.Status == job.StatusCompleted
		case storage.DeleteFailed:
			return j.Status == job.StatusFailed
		case storage.DeleteOlderThan:
			return j.CreatedAt.Before(olderThan)
		case storage.DeleteAllTerminal:
			return true
		default:
			return false
		}
	}

	deleted := 0
	for id, j := range s.jobs {
		if match(j) {
			delete(s.jobs, id)
			delete(s.logs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusPending && j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}
