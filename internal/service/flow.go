package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	oauthadapter "github.com/trycompai/comp-sub003/internal/adapter/oauth"
	"github.com/trycompai/comp-sub003/internal/async"
	"github.com/trycompai/comp-sub003/internal/config"
	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
)

// SetupRequiredError is returned from Start when no OAuth app credentials are
// configured for the provider on either tier.
type SetupRequiredError struct {
	Provider     string
	Instructions map[string]any
}

func (e *SetupRequiredError) Error() string {
	return fmt.Sprintf("oauth app credentials required for provider %s", e.Provider)
}

// StartFlowInput contains parameters for constructing an authorize URL.
type StartFlowInput struct {
	Provider    string
	OrgID       int64
	UserID      string
	RedirectURL string
}

// StartFlowOutput returns the prepared authorize URL and minted state.
type StartFlowOutput struct {
	AuthorizeURL string
	State        string
	Source       domainoauth.AppSource
}

// CallbackInput captures the provider callback query parameters.
type CallbackInput struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the terminal outcome of a callback. It always resolves to
// a redirect; failures are encoded as query parameters, never surfaced to the
// browser as errors.
type CallbackResult struct {
	RedirectURL string
	Success     bool
	Provider    string
	ErrorCode   string
}

// CredentialChangeHook is dispatched fire-and-forget after a successful
// credential write, e.g. to trigger automated checks.
type CredentialChangeHook func(ctx context.Context, connectionID int64) error

// FlowCoordinator orchestrates the authorize-redirect and code-exchange steps
// of the OAuth flow.
type FlowCoordinator struct {
	registry       *provider.Registry
	resolver       *AppResolver
	stateStore     repository.StateStore
	providerClient oauthadapter.ProviderClient
	vault          *Vault
	connections    repository.ConnectionRepository
	orgs           repository.OrgRepository
	tasks          *async.Submitter
	node           *snowflake.Node
	cfg            config.Config
	logger         *zap.Logger
	onChange       CredentialChangeHook
}

// NewFlowCoordinator wires the OAuth flow coordinator.
func NewFlowCoordinator(
	registry *provider.Registry,
	resolver *AppResolver,
	stateStore repository.StateStore,
	providerClient oauthadapter.ProviderClient,
	vault *Vault,
	connections repository.ConnectionRepository,
	orgs repository.OrgRepository,
	tasks *async.Submitter,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *FlowCoordinator {
	return &FlowCoordinator{
		registry:       registry,
		resolver:       resolver,
		stateStore:     stateStore,
		providerClient: providerClient,
		vault:          vault,
		connections:    connections,
		orgs:           orgs,
		tasks:          tasks,
		node:           node,
		cfg:            cfg,
		logger:         logger,
	}
}

// SetCredentialChangeHook installs the fire-and-forget post-store hook.
func (f *FlowCoordinator) SetCredentialChangeHook(hook CredentialChangeHook) {
	f.onChange = hook
}

// Start resolves app credentials, mints a single-use state and returns the
// provider authorize URL. No connection row is created yet.
func (f *FlowCoordinator) Start(ctx context.Context, in StartFlowInput) (*StartFlowOutput, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Provider))
	if slug == "" || in.OrgID == 0 {
		return nil, fmt.Errorf("start oauth flow: provider and org are required")
	}
	def, ok := f.registry.Get(slug)
	if !ok || def.OAuth == nil {
		return nil, fmt.Errorf("start oauth flow: provider %s does not support oauth", slug)
	}

	creds, err := f.resolver.Resolve(ctx, def.Slug, in.OrgID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrNoApp) {
			return nil, &SetupRequiredError{Provider: def.Slug, Instructions: def.SetupInstructions}
		}
		return nil, err
	}

	stateValue, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	var codeVerifier, codeChallenge string
	if def.OAuth.PKCERequired {
		codeVerifier, err = secureRandomString(64)
		if err != nil {
			return nil, fmt.Errorf("generate pkce verifier: %w", err)
		}
		codeChallenge = pkceChallenge(codeVerifier)
	}

	authorizeURL, err := f.buildAuthorizeURL(def, creds, stateValue, codeChallenge)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := domainoauth.State{
		State:        stateValue,
		ProviderSlug: def.Slug,
		OrgID:        in.OrgID,
		UserID:       in.UserID,
		CodeVerifier: codeVerifier,
		RedirectURL:  strings.TrimSpace(in.RedirectURL),
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.stateTTL()),
	}
	if err := f.stateStore.Save(ctx, state, f.stateTTL()); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &StartFlowOutput{
		AuthorizeURL: authorizeURL,
		State:        stateValue,
		Source:       creds.Source,
	}, nil
}

// Callback consumes the state, exchanges the code and stores tokens. Every
// terminal path resolves to a redirect.
func (f *FlowCoordinator) Callback(ctx context.Context, in CallbackInput) *CallbackResult {
	state, _ := f.stateStore.Consume(ctx, strings.TrimSpace(in.State))

	if in.Error != "" {
		return f.fail(ctx, state, in.Error, in.ErrorDescription)
	}
	if state == nil {
		return f.fail(ctx, nil, "invalid_state", "The authorization state is unknown or already used.")
	}
	if state.Expired(time.Now().UTC()) {
		return f.fail(ctx, state, "expired_state", "The authorization request expired. Please try again.")
	}
	if strings.TrimSpace(in.Code) == "" {
		return f.fail(ctx, state, "invalid_request", "Missing authorization code.")
	}

	def, ok := f.registry.Get(state.ProviderSlug)
	if !ok || def.OAuth == nil {
		return f.fail(ctx, state, "invalid_state", "Unknown provider.")
	}

	creds, err := f.resolver.Resolve(ctx, def.Slug, state.OrgID)
	if err != nil {
		f.log().Warn("oauth callback credentials unavailable",
			zap.String("provider", def.Slug), zap.Int64("org_id", state.OrgID), zap.Error(err))
		return f.fail(ctx, state, "credentials_unavailable", "OAuth app credentials are no longer configured.")
	}

	tokens, err := f.providerClient.ExchangeCode(ctx, def, *creds, in.Code, state.CodeVerifier, f.callbackURL())
	if err != nil {
		f.log().Error("oauth code exchange failed",
			zap.String("provider", def.Slug), zap.Int64("org_id", state.OrgID), zap.Error(err))
		return f.fail(ctx, state, "exchange_failed", "Token exchange with the provider failed.")
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return f.fail(ctx, state, "exchange_failed", "The provider returned no access token.")
	}

	conn, err := f.findOrCreateConnection(ctx, def, state.OrgID, creds.Scopes)
	if err != nil {
		f.log().Error("oauth callback connection setup failed",
			zap.String("provider", def.Slug), zap.Int64("org_id", state.OrgID), zap.Error(err))
		return f.fail(ctx, state, "storage_failed", "Could not persist the connection.")
	}

	if _, err := f.vault.StoreOAuthTokens(ctx, conn.ID, tokens); err != nil {
		f.log().Error("oauth token storage failed",
			zap.Int64("connection_id", conn.ID), zap.Error(err))
		return f.fail(ctx, state, "storage_failed", "Could not store the credentials.")
	}

	// The user's grant already succeeded; finalization and check kicks must
	// never fail the flow.
	accessToken := tokens.AccessToken
	f.tasks.Submit("provider-finalize", func(taskCtx context.Context) error {
		return f.providerClient.Finalize(taskCtx, def, *creds, accessToken)
	})
	if f.onChange != nil {
		connID := conn.ID
		f.tasks.Submit("credential-change-hook", func(taskCtx context.Context) error {
			return f.onChange(taskCtx, connID)
		})
	}

	return &CallbackResult{
		RedirectURL: f.redirectTarget(ctx, state, url.Values{
			"success":  {"true"},
			"provider": {def.Slug},
		}),
		Success:  true,
		Provider: def.Slug,
	}
}

func (f *FlowCoordinator) buildAuthorizeURL(def provider.Definition, creds *domainoauth.Credentials, state, codeChallenge string) (string, error) {
	raw := provider.Substitute(def.OAuth.AuthorizeURL, creds.Settings)
	authURL, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}

	params := authURL.Query()
	params.Set("client_id", creds.ClientID)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("redirect_uri", f.callbackURL())
	if len(creds.Scopes) > 0 {
		params.Set("scope", strings.Join(creds.Scopes, " "))
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	for k, v := range def.OAuth.ExtraAuthParams {
		params.Set(k, v)
	}
	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}

func (f *FlowCoordinator) findOrCreateConnection(ctx context.Context, def provider.Definition, orgID int64, scopes []string) (domain.Connection, error) {
	conn, err := f.connections.GetByOrgProvider(ctx, orgID, def.Slug)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, err
	}

	return f.connections.Create(ctx, domain.Connection{
		ID:           f.node.Generate().Int64(),
		OrgID:        orgID,
		ProviderSlug: def.Slug,
		Auth: domain.AuthConfig{
			Strategy: domain.AuthStrategyOAuth2,
			OAuth2:   &domain.OAuth2AuthConfig{Scopes: scopes},
		},
		Status: domain.ConnectionPending,
	})
}

func (f *FlowCoordinator) fail(ctx context.Context, state *domainoauth.State, code, description string) *CallbackResult {
	params := url.Values{
		"error":             {code},
		"error_description": {description},
	}
	result := &CallbackResult{
		RedirectURL: f.redirectTarget(ctx, state, params),
		ErrorCode:   code,
	}
	if state != nil {
		result.Provider = state.ProviderSlug
	}
	return result
}

// redirectTarget picks the caller-supplied return URL when present, else the
// deterministic per-organization default, and appends the outcome parameters.
func (f *FlowCoordinator) redirectTarget(ctx context.Context, state *domainoauth.State, params url.Values) string {
	target := ""
	if state != nil && state.RedirectURL != "" {
		target = state.RedirectURL
	} else if state != nil {
		if org, err := f.orgs.GetOrg(ctx, state.OrgID); err == nil {
			target = strings.TrimRight(f.cfg.BaseURL, "/") + "/" + org.Slug + "/integrations"
		}
	}
	if target == "" {
		target = strings.TrimRight(f.cfg.BaseURL, "/") + "/integrations"
	}

	parsed, err := url.Parse(target)
	if err != nil {
		parsed, _ = url.Parse(strings.TrimRight(f.cfg.BaseURL, "/") + "/integrations")
	}
	query := parsed.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Set(k, v)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (f *FlowCoordinator) callbackURL() string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/integrations/oauth/callback"
}

func (f *FlowCoordinator) stateTTL() time.Duration {
	if f.cfg.OAuthStateTTL > 0 {
		return f.cfg.OAuthStateTTL
	}
	return 10 * time.Minute
}

func (f *FlowCoordinator) log() *zap.Logger {
	if f != nil && f.logger != nil {
		return f.logger
	}
	return zap.L()
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
