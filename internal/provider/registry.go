package provider

import (
	"sort"
	"strings"

	"github.com/trycompai/comp-sub003/internal/domain"
)

// ClientAuthStyle selects how client credentials are sent to token endpoints.
type ClientAuthStyle string

const (
	// AuthStyleBasic sends base64(clientID:clientSecret) in the
	// Authorization header.
	AuthStyleBasic ClientAuthStyle = "basic"
	// AuthStyleBody includes client_id/client_secret as body parameters.
	AuthStyleBody ClientAuthStyle = "body"
)

// RevokeBodyFormat selects the revoke request encoding.
type RevokeBodyFormat string

const (
	RevokeBodyForm RevokeBodyFormat = "form"
	RevokeBodyJSON RevokeBodyFormat = "json"
)

// OAuthConfig declares a provider's OAuth2 endpoints and quirks.
type OAuthConfig struct {
	AuthorizeURL string
	TokenURL     string
	// RefreshURL overrides TokenURL for refresh grants when set.
	RefreshURL      string
	DefaultScopes   []string
	PKCERequired    bool
	ClientAuthStyle ClientAuthStyle
	// ExtraAuthParams are appended to every authorize URL.
	ExtraAuthParams map[string]string
	// ExtraTokenParams are appended to every token exchange body.
	ExtraTokenParams map[string]string
	// FinalizeURL, when set, receives a best-effort POST after a successful
	// code exchange (e.g. to register the integration with the provider).
	FinalizeURL string
}

// RevokeConfig declares how a provider's revoke endpoint is called.
type RevokeConfig struct {
	URL string
	// UseBasicAuth sends client credentials as basic auth; otherwise the
	// access token is sent as a bearer header.
	UseBasicAuth bool
	BodyFormat   RevokeBodyFormat
	TokenField   string
	ExtraFields  map[string]string
}

// WebhookConfig declares inbound webhook signature verification parameters.
type WebhookConfig struct {
	HeaderName string
	// Algorithm is the HMAC hash: "sha1", "sha256" or "sha512".
	Algorithm string
}

// Definition describes one supported provider.
type Definition struct {
	Slug           string
	DisplayName    string
	Strategy       domain.AuthStrategy
	OAuth          *OAuthConfig
	Revoke         *RevokeConfig
	Webhook        *WebhookConfig
	RoleAssumption bool
	// SetupInstructions is surfaced to users when no OAuth app credentials
	// are configured for the provider.
	SetupInstructions map[string]any
}

// Registry is the static catalog of supported providers.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns the built-in provider catalog.
func NewRegistry() *Registry {
	defs := make(map[string]Definition, len(catalog))
	for _, def := range catalog {
		defs[def.Slug] = def
	}
	return &Registry{defs: defs}
}

// Get looks up a provider by slug.
func (r *Registry) Get(slug string) (Definition, bool) {
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(slug))]
	return def, ok
}

// List returns all definitions ordered by slug.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Substitute replaces {placeholder} tokens in an endpoint URL with string
// values from org-level app settings. Unknown placeholders are left intact.
func Substitute(raw string, settings map[string]any) string {
	if !strings.Contains(raw, "{") {
		return raw
	}
	out := raw
	for key, value := range settings {
		str, ok := value.(string)
		if !ok {
			continue
		}
		out = strings.ReplaceAll(out, "{"+key+"}", str)
	}
	return out
}

var catalog = []Definition{
	{
		Slug:        "github",
		DisplayName: "GitHub",
		Strategy:    domain.AuthStrategyOAuth2,
		OAuth: &OAuthConfig{
			AuthorizeURL:    "https://github.com/login/oauth/authorize",
			TokenURL:        "https://github.com/login/oauth/access_token",
			DefaultScopes:   []string{"read:org", "repo:status", "admin:org_hook"},
			ClientAuthStyle: AuthStyleBody,
		},
		Revoke: &RevokeConfig{
			URL:          "https://api.github.com/applications/{client_id}/token",
			UseBasicAuth: true,
			BodyFormat:   RevokeBodyJSON,
			TokenField:   "access_token",
		},
		Webhook: &WebhookConfig{
			HeaderName: "X-Hub-Signature-256",
			Algorithm:  "sha256",
		},
		SetupInstructions: map[string]any{
			"callback_path": "/integrations/oauth/callback",
			"docs":          "https://docs.github.com/en/apps/oauth-apps",
		},
	},
	{
		Slug:        "google_workspace",
		DisplayName: "Google Workspace",
		Strategy:    domain.AuthStrategyOAuth2,
		OAuth: &OAuthConfig{
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			DefaultScopes: []string{
				"https://www.googleapis.com/auth/admin.directory.user.readonly",
				"https://www.googleapis.com/auth/admin.directory.device.mobile.readonly",
			},
			PKCERequired:    true,
			ClientAuthStyle: AuthStyleBody,
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		},
		Revoke: &RevokeConfig{
			URL:        "https://oauth2.googleapis.com/revoke",
			BodyFormat: RevokeBodyForm,
			TokenField: "token",
		},
		SetupInstructions: map[string]any{
			"callback_path": "/integrations/oauth/callback",
			"docs":          "https://developers.google.com/identity/protocols/oauth2",
		},
	},
	{
		Slug:        "slack",
		DisplayName: "Slack",
		Strategy:    domain.AuthStrategyOAuth2,
		OAuth: &OAuthConfig{
			AuthorizeURL:    "https://slack.com/oauth/v2/authorize",
			TokenURL:        "https://slack.com/api/oauth.v2.access",
			DefaultScopes:   []string{"users:read", "team:read"},
			ClientAuthStyle: AuthStyleBasic,
		},
		Revoke: &RevokeConfig{
			URL:        "https://slack.com/api/auth.revoke",
			BodyFormat: RevokeBodyForm,
			TokenField: "token",
		},
		Webhook: &WebhookConfig{
			HeaderName: "X-Slack-Signature",
			Algorithm:  "sha256",
		},
		SetupInstructions: map[string]any{
			"callback_path": "/integrations/oauth/callback",
			"docs":          "https://api.slack.com/authentication/oauth-v2",
		},
	},
	{
		Slug:        "bamboohr",
		DisplayName: "BambooHR",
		Strategy:    domain.AuthStrategyOAuth2,
		OAuth: &OAuthConfig{
			// {subdomain} is substituted from org-level app settings.
			AuthorizeURL:    "https://{subdomain}.bamboohr.com/authorize.php",
			TokenURL:        "https://{subdomain}.bamboohr.com/token.php",
			DefaultScopes:   []string{"openid", "email"},
			ClientAuthStyle: AuthStyleBody,
			ExtraTokenParams: map[string]string{
				"request": "token",
			},
		},
		SetupInstructions: map[string]any{
			"callback_path":     "/integrations/oauth/callback",
			"required_settings": []string{"subdomain"},
		},
	},
	{
		Slug:           "aws",
		DisplayName:    "Amazon Web Services",
		Strategy:       domain.AuthStrategyCustom,
		RoleAssumption: true,
		SetupInstructions: map[string]any{
			"required_metadata": []string{
				domain.MetaRoleARN,
				domain.MetaExternalID,
				domain.MetaRegions,
			},
		},
	},
	{
		Slug:        "datadog",
		DisplayName: "Datadog",
		Strategy:    domain.AuthStrategyAPIKey,
		Webhook: &WebhookConfig{
			HeaderName: "X-Datadog-Signature",
			Algorithm:  "sha256",
		},
		SetupInstructions: map[string]any{
			"required_fields": []string{"api_key", "app_key"},
		},
	},
}
