package domain

import "time"

// AuthStrategy identifies how a connection authenticates against its provider.
// Components switch exhaustively on this tag; exactly one of the per-strategy
// config pointers on AuthConfig is set.
type AuthStrategy string

const (
	AuthStrategyOAuth2 AuthStrategy = "oauth2"
	AuthStrategyAPIKey AuthStrategy = "api_key"
	AuthStrategyBasic  AuthStrategy = "basic"
	AuthStrategyCustom AuthStrategy = "custom"
)

// ConnectionStatus tracks the lifecycle of a provider link.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionActive       ConnectionStatus = "active"
	ConnectionPaused       ConnectionStatus = "paused"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// OAuth2AuthConfig carries per-connection OAuth2 parameters.
type OAuth2AuthConfig struct {
	Scopes []string `json:"scopes,omitempty"`
}

// APIKeyAuthConfig names the provider-defined secret fields expected on store.
type APIKeyAuthConfig struct {
	Fields []string `json:"fields,omitempty"`
}

// BasicAuthConfig carries HTTP basic auth parameters.
type BasicAuthConfig struct {
	UsernameField string `json:"username_field,omitempty"`
	PasswordField string `json:"password_field,omitempty"`
}

// CustomAuthConfig covers provider-specific schemes such as cloud role
// assumption, where the trust material lives in connection metadata.
type CustomAuthConfig struct {
	Scheme string `json:"scheme,omitempty"`
}

// AuthConfig is the closed sum over auth strategies.
type AuthConfig struct {
	Strategy AuthStrategy      `json:"strategy"`
	OAuth2   *OAuth2AuthConfig `json:"oauth2,omitempty"`
	APIKey   *APIKeyAuthConfig `json:"api_key,omitempty"`
	Basic    *BasicAuthConfig  `json:"basic,omitempty"`
	Custom   *CustomAuthConfig `json:"custom,omitempty"`
}

// Metadata keys used by cloud role assumption and webhook verification.
const (
	MetaRoleARN       = "role_arn"
	MetaExternalID    = "external_id"
	MetaRegions       = "regions"
	MetaWebhookSecret = "webhook_secret"
)

// Connection links one organization to one third-party provider account.
// The active credential version is referenced by id; versions are never
// embedded in the connection.
type Connection struct {
	ID              int64
	OrgID           int64
	ProviderSlug    string
	Auth            AuthConfig
	Status          ConnectionStatus
	ActiveVersionID *int64
	LastSyncAt      *time.Time
	NextSyncAt      *time.Time
	Metadata        map[string]any
	Variables       map[string]any
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MetaString returns a string metadata value, empty when absent.
func (c *Connection) MetaString(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	if v, ok := c.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaStrings returns a string-slice metadata value, tolerating the
// []any shape produced by JSON decoding.
func (c *Connection) MetaStrings(key string) []string {
	if c == nil || c.Metadata == nil {
		return nil
	}
	switch v := c.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
