package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMCipherRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c := NewAESGCMCipher(key)

	sealed, err := c.Seal("cred-1", []byte("s3cr3t-password"))
	require.NoError(t, err)

	plain, err := c.Open("cred-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-password", string(plain))
}

func TestAESGCMCipherDifferentCredentialsDeriveDifferentKeys(t *testing.T) {
	key := make([]byte, 32)
	c := NewAESGCMCipher(key)

	sealed, err := c.Seal("cred-1", []byte("secret"))
	require.NoError(t, err)

	_, err = c.Open("cred-2", sealed)
	assert.Error(t, err, "sealing under a different credentialId must not decrypt")
}

func TestAESGCMCipherRejectsTruncatedInput(t *testing.T) {
	c := NewAESGCMCipher(make([]byte, 32))
	_, err := c.Open("cred-1", []byte("short"))
	assert.Error(t, err)
}
