package job

import (
	"strconv"
	"time"
)

// Type is the typed tag under which a job is enqueued and dispatched.
type Type string

const (
	TypeInitSession   Type = "INIT_SESSION"
	TypeVerifySession Type = "VERIFY_SESSION"
	TypeCreatePost    Type = "CREATE_POST"
	TypeSyncPosts     Type = "SYNC_POSTS"
	TypeDeletePost    Type = "DELETE_POST"
)

// Status is the job's position in its own small lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// RunMode selects whether the automation driver should run headless or with
// a visible browser window, the latter used once a schedule has accrued
// enough consecutive failures to warrant operator observation.
type RunMode string

const (
	RunModeHeadless RunMode = "HEADLESS"
	RunModeDebug    RunMode = "DEBUG"
)

// DebugRunModeThreshold is the consecutiveFailures count at which newly
// emitted jobs switch from HEADLESS to DEBUG.
const DebugRunModeThreshold = 3

// Error categories a CREATE_POST (and related) job can terminate with.
const (
	ErrorLoginRequired    = "LOGIN_REQUIRED"
	ErrorPermissionDenied = "PERMISSION_DENIED"
	ErrorEditorLoadFail   = "EDITOR_LOAD_FAIL"
	ErrorImageUploadFail  = "IMAGE_UPLOAD_FAIL"
	ErrorNetworkError     = "NETWORK_ERROR"
	ErrorCafeNotFound     = "CAFE_NOT_FOUND"
	ErrorRateLimited      = "RATE_LIMITED"
	ErrorTimeout          = "TIMEOUT"
	ErrorExhausted        = "EXHAUSTED"
	ErrorUnknown          = "UNKNOWN"

	// Session-layer error categories. These never drive broker retries —
	// recovery happens at the next scheduler tick, not via backoff.
	ErrorCredentialCorrupt = "CREDENTIAL_CORRUPT"
	ErrorSessionExpired    = "SESSION_EXPIRED"
	ErrorSessionChallenge  = "SESSION_CHALLENGE"
	ErrorSessionError      = "SESSION_ERROR"
)

// Retryable reports whether the broker should attempt this job again after
// the given error category, per the §7 error taxonomy table. Only the four
// target-site interaction categories plus TIMEOUT are transient; everything
// else (permission/not-found, session-layer, credential, unclassified) is
// terminal on first failure.
func Retryable(errorCode string) bool {
	switch errorCode {
	case ErrorEditorLoadFail, ErrorImageUploadFail, ErrorNetworkError, ErrorRateLimited, ErrorTimeout:
		return true
	default:
		return false
	}
}

// Job is one unit of work dispatched to the target site by the worker
// runtime. A Job exclusively belongs to one Run (when RunID is set) or is
// standalone.
type Job struct {
	ID             string
	Type           Type
	OwnerID        string
	RunID          string
	SequenceNumber int
	Payload        Payload
	Status         Status
	Attempts       int
	MaxAttempts    int
	ErrorCode      string
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	RunMode        RunMode
}

// Payload is a tagged-union-flavoured carrier for the per-type job fields
// named in spec.md §3/§4.6. Known fields are promoted to named struct
// members; anything the producer didn't recognise is preserved verbatim in
// Extra so a forward-compatible reader never silently drops data.
type Payload struct {
	// JobID is stamped by the Job Store immediately before enqueue so a
	// worker that only sees the broker's Delivery.Payload can still resolve
	// the full Job row (RunID, SequenceNumber, MaxAttempts, ...) to report
	// an outcome against. It is never written back to the Job's own DB row.
	JobID          string            `json:"jobId,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	CredentialID   string            `json:"credentialId,omitempty"`
	IsReconnect    bool              `json:"isReconnect,omitempty"`
	ScheduleID     string            `json:"scheduleId,omitempty"`
	ScheduleName   string            `json:"scheduleName,omitempty"`
	TemplateID     string            `json:"templateId,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body,omitempty"`
	TargetBoardKey string            `json:"targetBoardKey,omitempty"`
	ImageURLs      []string          `json:"imageUrls,omitempty"`
	FixedFields    map[string]string `json:"fixedFields,omitempty"`
	ArticleID      string            `json:"articleId,omitempty"`
	ResultURL      string            `json:"resultUrl,omitempty"`
	ResultArticleID string           `json:"resultArticleId,omitempty"`
	ErrorCategory  string            `json:"errorCategory,omitempty"`
	Extra          map[string]any    `json:"extra,omitempty"`
}

// Log is an append-only entry attached to a Job's execution history.
type Log struct {
	JobID     string
	Level     LogLevel
	Message   string
	Meta      map[string]any
	CreatedAt time.Time
}

// LogLevel is the severity of a JobLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Key is the deterministic broker dedup identifier for a schedule-produced
// job: "<runId>_seq<sequenceNumber>". It is the sole deduplication mechanism
// across scheduler restarts.
func Key(runID string, sequenceNumber int) string {
	return runID + "_seq" + strconv.Itoa(sequenceNumber)
}
