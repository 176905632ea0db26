package credential

import "time"

// Credential is an encrypted login held on behalf of a tenant. secretCipher
// is opaque to the core; only the configured cipher understands its bytes.
type Credential struct {
	ID               string
	OwnerID          string
	LoginName        string
	SecretCipher     string
	DisplayName      string
	LastLoginAt      time.Time
	LastLoginOutcome string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasLoggedIn reports whether the credential has ever completed a login
// attempt, successful or not.
func (c Credential) HasLoggedIn() bool {
	return !c.LastLoginAt.IsZero()
}
