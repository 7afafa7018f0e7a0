package model

import "time"

// Credential is either a plaintext password or an OAuth2 token set.
// Credentials are held in memory only for the duration of a protocol
// operation; at rest they live in the platform secret store.
type Credential struct {
	Password string `json:"password,omitempty"`

	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// IsOAuth reports whether the credential carries an OAuth2 token set.
func (c Credential) IsOAuth() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}

// ExpiresWithin reports whether fewer than d of validity remain at now.
// A zero expiry means the token does not expire.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(d).After(c.ExpiresAt)
}
