package worker

import (
	"context"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/services/credentials"
)

// handleInitSession implements §4.6's INIT_SESSION: open the profile,
// login, and transition the session to HEALTHY/CHALLENGE_REQUIRED/ERROR.
// It never retries on CHALLENGE_REQUIRED — job.Retryable already encodes
// that by treating every session-layer error code as terminal.
func (s *Service) handleInitSession(ctx context.Context, payload job.Payload) outcome {
	sess, err := s.credentials.VerifySession(ctx, payload.SessionID)
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorUnknown, errorMessage: "load session: " + err.Error()}
	}

	loginName, plaintext, err := s.credentials.GetCredentialForLogin(ctx, payload.CredentialID)
	if err != nil {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorCredentialCorrupt, err.Error(), "")
		return outcome{success: false, errorCode: job.ErrorCredentialCorrupt, errorMessage: err.Error()}
	}

	release := s.locks.Acquire(sess.ProfileHandle)
	defer release()

	actx, cancel := withActionTimeout(ctx)
	openErr := s.driver.OpenProfile(actx, sess.ProfileHandle)
	cancel()
	if openErr != nil {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorSessionError, openErr.Error(), "")
		return outcome{success: false, errorCode: job.ErrorNetworkError, errorMessage: openErr.Error()}
	}

	actx, cancel = withActionTimeout(ctx)
	result, loginErr := s.driver.Login(actx, sess.ProfileHandle, loginName, plaintext)
	cancel()
	if loginErr != nil {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorSessionError, loginErr.Error(), "")
		return outcome{success: false, errorCode: job.ErrorNetworkError, errorMessage: loginErr.Error()}
	}
	if result.Challenge {
		s.markSession(ctx, sess.ID, session.StatusChallengeRequired, session.ErrorSessionChallenge, "login requires a challenge response", "")
		return outcome{success: false, errorCode: job.ErrorSessionChallenge, errorMessage: "challenge required"}
	}
	if !result.OK {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorSessionError, "login rejected", "")
		return outcome{success: false, errorCode: job.ErrorSessionError, errorMessage: "login rejected"}
	}

	s.markSession(ctx, sess.ID, session.StatusHealthy, "", "", result.Nickname)
	return outcome{success: true}
}

// handleVerifySession implements §4.6's VERIFY_SESSION: a lightweight
// probe that escalates to EXPIRED/ERROR on failure.
func (s *Service) handleVerifySession(ctx context.Context, payload job.Payload) outcome {
	sess, err := s.credentials.VerifySession(ctx, payload.SessionID)
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorUnknown, errorMessage: "load session: " + err.Error()}
	}

	release := s.locks.Acquire(sess.ProfileHandle)
	defer release()

	actx, cancel := withActionTimeout(ctx)
	result, err := s.driver.VerifyLogin(actx, sess.ProfileHandle)
	cancel()
	if err != nil {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorSessionError, err.Error(), "")
		return outcome{success: false, errorCode: job.ErrorSessionError, errorMessage: err.Error()}
	}
	if !result.OK {
		s.markSession(ctx, sess.ID, session.StatusExpired, session.ErrorSessionExpired, "verify probe failed", "")
		return outcome{success: false, errorCode: job.ErrorSessionExpired, errorMessage: "verify probe failed"}
	}

	s.markSession(ctx, sess.ID, session.StatusHealthy, "", "", result.Nickname)
	return outcome{success: true}
}

// handleCreatePost implements §4.6's CREATE_POST: ensure the session is
// dispatch-usable (re-logging in inline if not), pace and lock the
// profile, submit, and classify the result.
func (s *Service) handleCreatePost(ctx context.Context, payload job.Payload) outcome {
	if payload.CredentialID == "" {
		return outcome{success: false, errorCode: job.ErrorUnknown, errorMessage: "job payload missing credentialId"}
	}

	sess, sessErr := s.credentials.SessionForCredential(ctx, payload.CredentialID)
	usable := sessErr == nil && sess.Status.DispatchUsable()
	if !usable {
		reloggedIn, failure := s.reloginInline(ctx, payload.CredentialID, sess, sessErr)
		if failure != nil {
			return *failure
		}
		sess = reloggedIn
	}

	if err := s.limiters.Wait(ctx, sess.ProfileHandle); err != nil {
		return outcome{success: false, errorCode: job.ErrorTimeout, errorMessage: err.Error()}
	}

	release := s.locks.Acquire(sess.ProfileHandle)
	defer release()

	actx, cancel := withActionTimeout(ctx)
	result, err := s.driver.CreatePost(actx, sess.ProfileHandle, payload)
	cancel()

	if s.telemetry != nil {
		cpu, rss := s.sampler.sample()
		s.telemetry.RecordCreatePostSample(cpu, rss)
	}

	if err != nil {
		payload.ErrorCategory = job.ErrorNetworkError
		return outcome{success: false, errorCode: job.ErrorNetworkError, errorMessage: err.Error(), payload: &payload}
	}
	if !result.OK {
		category := result.ErrorCategory
		if category == "" {
			category = job.ErrorUnknown
		}
		payload.ErrorCategory = category
		return outcome{success: false, errorCode: category, errorMessage: "create post rejected", payload: &payload}
	}

	payload.ResultURL = result.ArticleURL
	payload.ResultArticleID = result.ArticleID
	return outcome{success: true, payload: &payload}
}

// reloginInline attempts the in-line re-login §4.6 describes for a
// CREATE_POST job whose session is not (or no longer) dispatch-usable. On
// success it returns the refreshed session; on failure it returns the
// terminal outcome the caller should report.
func (s *Service) reloginInline(ctx context.Context, credentialID string, sess session.Session, sessErr error) (session.Session, *outcome) {
	if sessErr != nil {
		o := outcome{success: false, errorCode: job.ErrorLoginRequired, errorMessage: "no session exists for credential"}
		return session.Session{}, &o
	}

	loginName, plaintext, err := s.credentials.GetCredentialForLogin(ctx, credentialID)
	if err != nil {
		s.markSession(ctx, sess.ID, session.StatusError, session.ErrorCredentialCorrupt, err.Error(), "")
		o := outcome{success: false, errorCode: job.ErrorCredentialCorrupt, errorMessage: err.Error()}
		return session.Session{}, &o
	}

	release := s.locks.Acquire(sess.ProfileHandle)
	actx, cancel := withActionTimeout(ctx)
	result, loginErr := s.driver.Login(actx, sess.ProfileHandle, loginName, plaintext)
	cancel()
	release()

	if loginErr != nil || !result.OK {
		code := session.ErrorSessionError
		status := session.StatusError
		jobCode := job.ErrorSessionError
		if result.Challenge {
			code, status, jobCode = session.ErrorSessionChallenge, session.StatusChallengeRequired, job.ErrorSessionChallenge
		}
		msg := "re-login failed"
		if loginErr != nil {
			msg = loginErr.Error()
		}
		s.markSession(ctx, sess.ID, status, code, msg, "")
		o := outcome{success: false, errorCode: jobCode, errorMessage: msg}
		return session.Session{}, &o
	}

	updated := s.markSession(ctx, sess.ID, session.StatusHealthy, "", "", result.Nickname)
	return updated, nil
}

// handleSyncPosts and handleDeletePost are the §4.6 maintenance types,
// "out of scope for detailed design beyond shared session rules": they
// share the same profile-lock discipline but carry no outcome beyond
// success/failure.
func (s *Service) handleSyncPosts(ctx context.Context, payload job.Payload) outcome {
	sess, err := s.credentials.SessionForCredential(ctx, payload.CredentialID)
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorLoginRequired, errorMessage: "no session for credential"}
	}
	release := s.locks.Acquire(sess.ProfileHandle)
	defer release()

	actx, cancel := withActionTimeout(ctx)
	err = s.driver.SyncMyPosts(actx, sess.ProfileHandle)
	cancel()
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorNetworkError, errorMessage: err.Error()}
	}
	return outcome{success: true}
}

func (s *Service) handleDeletePost(ctx context.Context, payload job.Payload) outcome {
	sess, err := s.credentials.SessionForCredential(ctx, payload.CredentialID)
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorLoginRequired, errorMessage: "no session for credential"}
	}
	release := s.locks.Acquire(sess.ProfileHandle)
	defer release()

	actx, cancel := withActionTimeout(ctx)
	err = s.driver.DeletePost(actx, sess.ProfileHandle, payload.ArticleID)
	cancel()
	if err != nil {
		return outcome{success: false, errorCode: job.ErrorNetworkError, errorMessage: err.Error()}
	}
	return outcome{success: true}
}

// markSession applies a session transition, logging rather than failing
// the caller's job outcome if the write itself errors — the job's own
// terminal state is what §4.6 requires, not the session bookkeeping
// succeeding a second time.
func (s *Service) markSession(ctx context.Context, sessionID string, status session.Status, errorCode, errorMessage, nickname string) session.Session {
	updated, err := s.credentials.MarkSessionOutcome(ctx, sessionID, credentials.Outcome{
		Status:       status,
		Nickname:     nickname,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		s.log.WithError(err).WithField("sessionId", sessionID).WithField("to", status).Warn("session transition failed")
	}
	return updated
}
