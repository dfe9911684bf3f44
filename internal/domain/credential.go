package domain

import "time"

// CredentialRetention is how many versions are kept per connection before the
// pruner discards the oldest.
const CredentialRetention = 5

// RefreshLookahead is how far before expiry a stored token counts as needing
// refresh. The buffer keeps tokens from expiring mid-request.
const RefreshLookahead = 300 * time.Second

// CredentialVersion is one encrypted credential snapshot for a connection.
// It references the connection by id only; versions are pruned as independent
// rows. Version numbers are strictly increasing per connection starting at 1
// and are never reused.
type CredentialVersion struct {
	ID           int64
	ConnectionID int64
	Version      int
	// Payload maps field name to either a secret.Envelope-shaped map or a
	// plaintext value; non-secret fields such as token_type are stored as-is.
	Payload   map[string]any
	ExpiresAt *time.Time
	RotatedAt *time.Time
	CreatedAt time.Time
}

// NeedsRefresh reports whether the version's expiry falls within the
// look-ahead buffer of now. A version without expiry never needs refresh.
func (v *CredentialVersion) NeedsRefresh(now time.Time) bool {
	if v == nil || v.ExpiresAt == nil {
		return false
	}
	return v.ExpiresAt.Sub(now) <= RefreshLookahead
}
