package oauth

import (
	"time"

	"github.com/trycompai/comp-sub003/internal/secret"
)

// AppSource reports which tier resolved OAuth client credentials came from.
type AppSource string

const (
	SourceOrganization AppSource = "organization"
	SourcePlatform     AppSource = "platform"
)

// App is one stored OAuth application credential record. OrgID is nil for the
// platform tier. Client id and secret are kept encrypted at rest; an active
// organization-tier record always takes precedence over the platform tier.
type App struct {
	ID           int64
	ProviderSlug string
	OrgID        *int64
	ClientID     secret.Envelope
	ClientSecret secret.Envelope
	Scopes       []string
	Settings     map[string]any
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credentials is the decrypted resolution result handed to the flow
// coordinator and refresh policy.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Source       AppSource
	Settings     map[string]any
}

// Availability describes which tiers exist for a provider without decrypting
// anything, plus setup instructions for self-service app configuration.
type Availability struct {
	Organization      bool           `json:"organization"`
	Platform          bool           `json:"platform"`
	SetupInstructions map[string]any `json:"setup_instructions,omitempty"`
}

// State is the single-use CSRF token persisted between the authorize redirect
// and the callback.
type State struct {
	State        string    `json:"state"`
	ProviderSlug string    `json:"provider_slug"`
	OrgID        int64     `json:"org_id"`
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	RedirectURL  string    `json:"redirect_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the state is past its TTL.
func (s *State) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// TokenResponse models the provider token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	Raw          map[string]any
}
