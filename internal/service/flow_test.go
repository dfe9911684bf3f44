package service

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/secret"
)

func TestFlowStartBuildsAuthorizeURL(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, out.State)
	require.Equal(t, domainoauth.SourcePlatform, out.Source)

	parsed, err := url.Parse(out.AuthorizeURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, "client-123", query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, out.State, query.Get("state"))
	require.Equal(t, "https://app.example.test/integrations/oauth/callback", query.Get("redirect_uri"))
	require.NotEmpty(t, query.Get("scope"))
	// GitHub does not require PKCE.
	require.Empty(t, query.Get("code_challenge"))

	saved, err := h.states.Get(context.Background(), out.State)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, int64(1), saved.OrgID)
	require.Equal(t, "github", saved.ProviderSlug)
}

func TestFlowStartPKCEWhenRequired(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "google_workspace", "client-g", "secret-g")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "google_workspace", OrgID: 1})
	require.NoError(t, err)

	parsed, err := url.Parse(out.AuthorizeURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.NotEmpty(t, query.Get("code_challenge"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.Equal(t, "offline", query.Get("access_type"))

	saved, err := h.states.Get(context.Background(), out.State)
	require.NoError(t, err)
	require.NotEmpty(t, saved.CodeVerifier)
	// The verifier never appears in the URL.
	require.NotContains(t, out.AuthorizeURL, saved.CodeVerifier)
}

func TestFlowStartSubstitutesSettings(t *testing.T) {
	h := newConnectHarness(t)
	h.seedOrgApp(t, "bamboohr", 1, "client-b", "secret-b", map[string]any{"subdomain": "acmecorp"})

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "bamboohr", OrgID: 1})
	require.NoError(t, err)
	require.Contains(t, out.AuthorizeURL, "acmecorp")
	require.NotContains(t, out.AuthorizeURL, "{subdomain}")
}

func TestFlowStartNoAppReturnsSetupError(t *testing.T) {
	h := newConnectHarness(t)

	_, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	var setup *SetupRequiredError
	require.ErrorAs(t, err, &setup)
	require.Equal(t, "github", setup.Provider)
	require.NotEmpty(t, setup.Instructions)
}

func TestFlowCallbackSuccess(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.True(t, result.Success)
	require.Equal(t, "github", result.Provider)

	parsed, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "true", parsed.Query().Get("success"))
	require.Equal(t, "github", parsed.Query().Get("provider"))
	// Default redirect goes to the org's integrations page.
	require.True(t, strings.HasPrefix(result.RedirectURL, "https://app.example.test/acme/integrations"))

	conn, err := h.conns.GetByOrgProvider(context.Background(), 1, "github")
	require.NoError(t, err)
	require.Equal(t, domain.ConnectionActive, conn.Status)
	require.NotNil(t, conn.ActiveVersionID)

	version, err := h.vault.LatestVersion(context.Background(), conn.ID)
	require.NoError(t, err)
	_, ok := secret.IsEnvelope(version.Payload["access_token"])
	require.True(t, ok)

	h.drainTasks(t)
	require.Equal(t, 1, h.client.finalizedCount())
}

func TestFlowCallbackReusesExistingConnection(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")
	existing := h.seedConnection(t, 1, "github")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.True(t, result.Success)

	conn, err := h.conns.GetByOrgProvider(context.Background(), 1, "github")
	require.NoError(t, err)
	require.Equal(t, existing.ID, conn.ID)
}

func TestFlowCallbackStateIsSingleUse(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)

	first := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.True(t, first.Success)

	second := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.False(t, second.Success)
	require.Equal(t, "invalid_state", second.ErrorCode)
}

func TestFlowCallbackUnknownState(t *testing.T) {
	h := newConnectHarness(t)

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: "never-issued"})
	require.False(t, result.Success)
	require.Equal(t, "invalid_state", result.ErrorCode)

	parsed, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "invalid_state", parsed.Query().Get("error"))
}

func TestFlowCallbackExpiredState(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	now := time.Now().UTC()
	require.NoError(t, h.states.Save(context.Background(), domainoauth.State{
		State:        "stale",
		ProviderSlug: "github",
		OrgID:        1,
		CreatedAt:    now.Add(-time.Hour),
		ExpiresAt:    now.Add(-50 * time.Minute),
	}, time.Minute))

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: "stale"})
	require.False(t, result.Success)
	require.Equal(t, "expired_state", result.ErrorCode)
}

func TestFlowCallbackProviderDenied(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)

	result := h.flow.Callback(context.Background(), CallbackInput{
		State: out.State,
		Error: "access_denied",
	})
	require.False(t, result.Success)
	require.Equal(t, "access_denied", result.ErrorCode)

	// The state is consumed even on provider denial.
	saved, err := h.states.Get(context.Background(), out.State)
	require.NoError(t, err)
	require.Nil(t, saved)
}

func TestFlowCallbackRedirectOverride(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	out, err := h.flow.Start(context.Background(), StartFlowInput{
		Provider:    "github",
		OrgID:       1,
		RedirectURL: "https://app.example.test/settings/integrations",
	})
	require.NoError(t, err)

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.True(t, result.Success)
	require.True(t, strings.HasPrefix(result.RedirectURL, "https://app.example.test/settings/integrations"))
}

func TestFlowCallbackExchangeFailure(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")
	h.client.exchangeFn = func(code, verifier, redirectURI string) (*domainoauth.TokenResponse, error) {
		return nil, domainoauth.ErrProviderDenied
	}

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)

	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.False(t, result.Success)
	require.Equal(t, "exchange_failed", result.ErrorCode)

	// No connection row is created on a failed exchange.
	_, err = h.conns.GetByOrgProvider(context.Background(), 1, "github")
	require.Error(t, err)
}

func TestFlowCredentialChangeHookFires(t *testing.T) {
	h := newConnectHarness(t)
	h.seedPlatformApp(t, "github", "client-123", "secret-123")

	fired := make(chan int64, 1)
	h.flow.SetCredentialChangeHook(func(ctx context.Context, connectionID int64) error {
		fired <- connectionID
		return nil
	})

	out, err := h.flow.Start(context.Background(), StartFlowInput{Provider: "github", OrgID: 1})
	require.NoError(t, err)
	result := h.flow.Callback(context.Background(), CallbackInput{Code: "authcode", State: out.State})
	require.True(t, result.Success)

	h.drainTasks(t)
	conn, err := h.conns.GetByOrgProvider(context.Background(), 1, "github")
	require.NoError(t, err)
	select {
	case id := <-fired:
		require.Equal(t, conn.ID, id)
	default:
		t.Fatal("credential change hook did not fire")
	}
}
