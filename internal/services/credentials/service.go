// Package credentials implements the Credential & Session Registry: login
// secret storage behind a swappable Cipher, and the session lifecycle
// state machine that gates whether a worker may dispatch against a
// credential.
package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	core "github.com/cafeauto/backbone/internal/core/service"
	"github.com/cafeauto/backbone/internal/domain/credential"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/storage"
	"github.com/cafeauto/backbone/pkg/logger"
)

// Outcome is the result reported back by a worker after an INIT_SESSION or
// VERIFY_SESSION attempt.
type Outcome struct {
	Status       session.Status
	Nickname     string
	ErrorCode    string
	ErrorMessage string
}

// Service implements the Credential & Session Registry.
type Service struct {
	base         *core.Base
	credentials  storage.CredentialStore
	sessions     storage.SessionStore
	cipher       Cipher
	log          *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCipher replaces the cipher passed to New.
func WithCipher(c Cipher) Option {
	return func(s *Service) { s.cipher = c }
}

// New constructs a credentials service. cipher must not be nil in
// production; callers needing a fixed no-op for tests should pass a stub
// implementing Cipher directly rather than relying on a default.
func New(credentials storage.CredentialStore, sessions storage.SessionStore, cipher Cipher, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("credentials")
	}
	svc := &Service{
		base:        core.NewBase(),
		credentials: credentials,
		sessions:    sessions,
		cipher:      cipher,
		log:         log,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Name implements system.Service.
func (s *Service) Name() string { return "credentials" }

// Start implements system.Service. The registry has no background loops.
func (s *Service) Start(ctx context.Context) error { return nil }

// Stop implements system.Service.
func (s *Service) Stop(ctx context.Context) error { return nil }

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "credentials",
		Layer:        core.LayerSecurity,
		Capabilities: []string{"credential-registry", "session-state-machine"},
	}
}

// CreateCredential seals plaintext under the configured cipher and persists
// the credential row. (ownerId, loginName) uniqueness is enforced by the
// store.
func (s *Service) CreateCredential(ctx context.Context, ownerID, loginName, displayName string, plaintext []byte) (credential.Credential, error) {
	owner, err := s.base.NormalizeOwner(ctx, ownerID)
	if err != nil {
		return credential.Credential{}, err
	}
	id := uuid.NewString()
	sealed, err := s.cipher.Seal(id, plaintext)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("seal credential secret: %w", err)
	}
	return s.credentials.CreateCredential(ctx, credential.Credential{
		ID:           id,
		OwnerID:      owner,
		LoginName:    loginName,
		DisplayName:  displayName,
		SecretCipher: base64.StdEncoding.EncodeToString(sealed),
	})
}

// DeleteCredential removes a credential. Any session rows referencing it
// are left for the caller's cascading transaction — the registry only owns
// the credential/session tables, not cross-entity cascade policy.
func (s *Service) DeleteCredential(ctx context.Context, id string) error {
	return s.credentials.DeleteCredential(ctx, id)
}

// GetCredentialForLogin returns the login name and decrypted plaintext
// secret for a credential. This is the internal contract §4.1 names
// explicitly as worker-only — callers outside the worker runtime must not
// invoke it.
func (s *Service) GetCredentialForLogin(ctx context.Context, id string) (loginName string, plaintext []byte, err error) {
	c, err := s.credentials.GetCredential(ctx, id)
	if err != nil {
		return "", nil, fmt.Errorf("load credential: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(c.SecretCipher)
	if err != nil {
		return "", nil, fmt.Errorf("malformed credential secret: %w", err)
	}
	plain, err := s.cipher.Open(c.ID, sealed)
	if err != nil {
		// Decryption failure is fatal for this credential: surface it the
		// same way a worker would record a terminal session error.
		return "", nil, fmt.Errorf("%s: %w", session.ErrorCredentialCorrupt, err)
	}
	return c.LoginName, plain, nil
}

// BeginSessionInit creates a fresh PENDING session for credentialID and
// returns its id. A worker picks this up via an INIT_SESSION job.
func (s *Service) BeginSessionInit(ctx context.Context, credentialID string) (string, error) {
	sess, err := s.sessions.CreateSession(ctx, session.Session{
		ID:            uuid.NewString(),
		CredentialID:  credentialID,
		ProfileHandle: uuid.NewString(),
		Status:        session.StatusPending,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("begin session init: %w", err)
	}
	return sess.ID, nil
}

// VerifySession re-reads a session's current status. Callers (schedulers,
// workers) should always re-read before acting — concurrent transitions
// are resolved by "the later writer wins".
func (s *Service) VerifySession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// MarkSessionOutcome applies a worker-reported outcome to a session,
// enforcing the state machine topology. An illegal transition is rejected
// rather than silently clamped, so a worker bug surfaces immediately.
func (s *Service) MarkSessionOutcome(ctx context.Context, sessionID string, outcome Outcome) (session.Session, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !sess.Status.CanTransitionTo(outcome.Status) {
		return session.Session{}, fmt.Errorf("illegal session transition %s -> %s", sess.Status, outcome.Status)
	}
	from := sess.Status
	sess.Status = outcome.Status
	sess.ErrorCode = outcome.ErrorCode
	sess.ErrorMessage = outcome.ErrorMessage
	if outcome.Nickname != "" {
		sess.Nickname = outcome.Nickname
	}
	if outcome.Status == session.StatusHealthy || outcome.Status == session.StatusExpiring {
		sess.LastVerifiedAt = time.Now().UTC()
	}
	updated, err := s.sessions.UpdateSession(ctx, sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("update session: %w", err)
	}
	s.log.WithField("sessionId", sessionID).
		WithField("from", from).
		WithField("to", outcome.Status).
		Info("session transitioned")
	return updated, nil
}

// SessionForCredential returns credentialID's current session row, giving a
// caller (the worker runtime) the profileHandle and status needed to decide
// between reusing a session and performing an in-line re-login.
func (s *Service) SessionForCredential(ctx context.Context, credentialID string) (session.Session, error) {
	return s.sessions.GetSessionByCredential(ctx, credentialID)
}

// DispatchUsable reports whether credentialID currently has a
// dispatch-usable session, per §4.5 step 3's informational
// sessionDispatchUsable signal.
func (s *Service) DispatchUsable(ctx context.Context, credentialID string) (bool, error) {
	sess, err := s.sessions.GetSessionByCredential(ctx, credentialID)
	if err != nil {
		return false, err
	}
	return sess.Status.DispatchUsable(), nil
}
