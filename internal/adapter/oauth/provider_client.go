package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
)

// UpstreamError carries the HTTP status of a failed provider call so callers
// can distinguish credential rejections (4xx) from transient failures.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: status=%d", e.Operation, e.StatusCode)
}

// ProviderClient encapsulates outbound HTTP calls to provider OAuth endpoints.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error)
	RefreshToken(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, refreshToken string) (*domainoauth.TokenResponse, error)
	Revoke(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error
	Finalize(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode performs the authorization-code token exchange.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error) {
	if def.OAuth == nil {
		return nil, fmt.Errorf("provider %s has no oauth config", def.Slug)
	}
	endpoint := provider.Substitute(def.OAuth.TokenURL, creds.Settings)
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("token url missing")
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}
	for k, v := range def.OAuth.ExtraTokenParams {
		data.Set(k, v)
	}

	return c.tokenRequest(ctx, "token exchange", endpoint, def.OAuth.ClientAuthStyle, creds, data)
}

// RefreshToken performs the refresh-token grant against the refresh endpoint,
// falling back to the token endpoint when none is configured.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, refreshToken string) (*domainoauth.TokenResponse, error) {
	if def.OAuth == nil {
		return nil, fmt.Errorf("provider %s has no oauth config", def.Slug)
	}
	endpoint := def.OAuth.RefreshURL
	if endpoint == "" {
		endpoint = def.OAuth.TokenURL
	}
	endpoint = provider.Substitute(endpoint, creds.Settings)

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	for k, v := range def.OAuth.ExtraTokenParams {
		data.Set(k, v)
	}

	return c.tokenRequest(ctx, "token refresh", endpoint, def.OAuth.ClientAuthStyle, creds, data)
}

// Revoke notifies the provider that a token is no longer in use. 2xx and 404
// both count as success; 404 means the provider already forgot the token.
func (c *HTTPProviderClient) Revoke(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error {
	if def.Revoke == nil {
		return nil
	}
	endpoint := provider.Substitute(def.Revoke.URL, creds.Settings)
	endpoint = strings.ReplaceAll(endpoint, "{client_id}", url.PathEscape(creds.ClientID))

	fields := map[string]string{def.Revoke.TokenField: accessToken}
	for k, v := range def.Revoke.ExtraFields {
		fields[k] = v
	}

	var (
		body        io.Reader
		contentType string
	)
	if def.Revoke.BodyFormat == provider.RevokeBodyJSON {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode revoke body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	} else {
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if def.Revoke.UseBasicAuth {
		req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
	} else {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &UpstreamError{Operation: "revoke", StatusCode: resp.StatusCode, Body: string(raw)}
}

// Finalize performs the provider-specific post-OAuth registration call.
func (c *HTTPProviderClient) Finalize(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error {
	if def.OAuth == nil || def.OAuth.FinalizeURL == "" {
		return nil
	}
	endpoint := provider.Substitute(def.OAuth.FinalizeURL, creds.Settings)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build finalize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &UpstreamError{Operation: "finalize", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

func (c *HTTPProviderClient) tokenRequest(ctx context.Context, op, endpoint string, style provider.ClientAuthStyle, creds domainoauth.Credentials, data url.Values) (*domainoauth.TokenResponse, error) {
	if style == provider.AuthStyleBody || style == "" {
		data.Set("client_id", creds.ClientID)
		if creds.ClientSecret != "" {
			data.Set("client_secret", creds.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if style == provider.AuthStyleBasic {
		req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &UpstreamError{Operation: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	return token, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
