package schedule

import "time"

// Kind distinguishes a schedule that should start posting as soon as it is
// created from one anchored to a fixed wall-clock time.
type Kind string

const (
	KindImmediate Kind = "IMMEDIATE"
	KindTimed     Kind = "TIMED"
)

// AdminStatus is the administrative gate independent of the tenant's own
// enable/disable toggle.
type AdminStatus string

const (
	AdminApproved    AdminStatus = "APPROVED"
	AdminNeedsReview AdminStatus = "NEEDS_REVIEW"
	AdminSuspended   AdminStatus = "SUSPENDED"
	AdminBanned      AdminStatus = "BANNED"
)

// AutoSuspendThreshold is the consecutive-failure count at which the
// scheduler flips a schedule to AdminSuspended on its own.
const AutoSuspendThreshold = 5

// AutoSuspendReason is stamped on AdminReason when the auto-suspend policy
// fires.
const AutoSuspendReason = "auto-suspended after 5 consecutive failures"

// Schedule is the central scheduling entity: identity, cadence, the
// tenant/admin control state, and the scheduler's hot runtime fields.
type Schedule struct {
	// identity
	ID           string
	OwnerID      string
	TemplateID   string
	CredentialID string // the login this schedule posts as; resolves the §4.5 step 3 informational session-usability check
	Name         string

	// cadence
	ScheduleKind        Kind
	RunTime             string // local wall-clock "HH:MM"
	DailyPostCount      int    // 1..100
	PostIntervalMinutes int    // 1..60

	// control state
	UserEnabled  bool
	AdminStatus  AdminStatus
	AdminReason  string
	SuspendedAt  time.Time

	// runtime state (written only by the scheduler loop)
	TodayPostedCount    int
	LastRunDate         time.Time // date only, UTC midnight
	NextPostAt          time.Time
	ConsecutiveFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanExecute reports the scheduler's canExecute predicate: it ignores
// session usability entirely (§4.5 step 3) — that gate is the worker's job.
func (s Schedule) CanExecute() bool {
	return s.UserEnabled && s.AdminStatus == AdminApproved
}

// QuotaRemaining reports whether the schedule still has unposted slots for
// today.
func (s Schedule) QuotaRemaining() bool {
	return s.TodayPostedCount < s.DailyPostCount
}
