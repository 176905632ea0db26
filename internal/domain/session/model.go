package session

import "time"

// Status is a position in the session lifecycle state machine.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusHealthy            Status = "HEALTHY"
	StatusExpiring           Status = "EXPIRING"
	StatusExpired            Status = "EXPIRED"
	StatusChallengeRequired  Status = "CHALLENGE_REQUIRED"
	StatusError              Status = "ERROR"
)

// DispatchUsable reports whether jobs may be dispatched against a session in
// this status. Only HEALTHY and EXPIRING sessions are dispatch-usable; every
// other status requires worker-side recovery before posting can proceed.
func (s Status) DispatchUsable() bool {
	return s == StatusHealthy || s == StatusExpiring
}

// Session tracks one credential's standing with the target site. profileHandle
// is stable for the session's lifetime so the automation driver can reopen the
// same browser profile across INIT_SESSION/VERIFY_SESSION/CREATE_POST jobs.
type Session struct {
	ID             string
	CredentialID   string
	ProfileHandle  string
	Status         Status
	LastVerifiedAt time.Time
	Nickname       string
	ErrorMessage   string
	ErrorCode      string
	CreatedAt      time.Time
}

// Error codes surfaced on session transitions, per the failure semantics of
// the session state machine.
const (
	ErrorCredentialCorrupt = "CREDENTIAL_CORRUPT"
	ErrorSessionExpired    = "SESSION_EXPIRED"
	ErrorSessionChallenge  = "SESSION_CHALLENGE"
	ErrorSessionError      = "SESSION_ERROR"
)

// CanTransitionTo reports whether moving from s to next is a legal edge in
// the state machine. It does not validate the *cause* of the transition
// (verify-ok vs. verify-fail on the same edge pair), only the topology.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusHealthy || next == StatusChallengeRequired || next == StatusError
	case StatusHealthy:
		// Self-loop covers a VERIFY_SESSION probe succeeding against an
		// already-healthy session: lastVerifiedAt still needs restamping.
		return next == StatusHealthy || next == StatusExpiring || next == StatusExpired || next == StatusChallengeRequired
	case StatusExpiring:
		return next == StatusExpiring || next == StatusHealthy || next == StatusExpired
	case StatusExpired:
		return next == StatusPending
	case StatusChallengeRequired:
		return next == StatusPending
	case StatusError:
		return next == StatusPending
	default:
		return false
	}
}
