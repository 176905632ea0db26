package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := memory.New()
	cipher := NewAESGCMCipher(make([]byte, 32))
	return New(store, store, cipher, nil)
}

func TestCreateCredentialRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	login, plain, err := svc.GetCredentialForLogin(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "login1", login)
	assert.Equal(t, "hunter2", string(plain))
}

func TestSessionLifecycleHappyPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)

	sessionID, err := svc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)

	sess, err := svc.VerifySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)

	updated, err := svc.MarkSessionOutcome(ctx, sessionID, Outcome{Status: session.StatusHealthy, Nickname: "cafe-owner"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusHealthy, updated.Status)
	assert.Equal(t, "cafe-owner", updated.Nickname)
	assert.False(t, updated.LastVerifiedAt.IsZero())

	usable, err := svc.DispatchUsable(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, usable)
}

func TestMarkSessionOutcomeRejectsIllegalTransition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sessionID, err := svc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)

	// PENDING cannot jump straight to EXPIRING.
	_, err = svc.MarkSessionOutcome(ctx, sessionID, Outcome{Status: session.StatusExpiring})
	assert.Error(t, err)
}

func TestGetCredentialForLoginFailsOnCorruptCipher(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	c, err := svc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)

	// Swap the cipher for one derived from a different master key, so the
	// stored ciphertext no longer decrypts under it.
	svc.cipher = NewAESGCMCipher(make([]byte, 16))
	_, _, err = svc.GetCredentialForLogin(ctx, c.ID)
	assert.Error(t, err)
}
