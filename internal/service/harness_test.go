package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/async"
	"github.com/trycompai/comp-sub003/internal/config"
	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/secret"
)

type fakeOrgRepo struct {
	orgs map[int64]domain.Org
}

func (f *fakeOrgRepo) GetOrg(ctx context.Context, orgID int64) (domain.Org, error) {
	org, ok := f.orgs[orgID]
	if !ok {
		return domain.Org{}, pgx.ErrNoRows
	}
	return org, nil
}

func (f *fakeOrgRepo) GetOrgBySlug(ctx context.Context, slug string) (domain.Org, error) {
	for _, org := range f.orgs {
		if org.Slug == slug {
			return org, nil
		}
	}
	return domain.Org{}, pgx.ErrNoRows
}

type fakeConnectionRepo struct {
	mu    sync.Mutex
	conns map[int64]domain.Connection
}

func newFakeConnectionRepo() *fakeConnectionRepo {
	return &fakeConnectionRepo{conns: make(map[int64]domain.Connection)}
}

func (f *fakeConnectionRepo) GetByID(ctx context.Context, id int64) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[id]
	if !ok {
		return domain.Connection{}, pgx.ErrNoRows
	}
	return conn, nil
}

func (f *fakeConnectionRepo) GetByOrgProvider(ctx context.Context, orgID int64, providerSlug string) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		if conn.OrgID == orgID && conn.ProviderSlug == providerSlug {
			return conn, nil
		}
	}
	return domain.Connection{}, pgx.ErrNoRows
}

func (f *fakeConnectionRepo) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn.Status == "" {
		conn.Status = domain.ConnectionPending
	}
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = conn.CreatedAt
	f.conns[conn.ID] = conn
	return conn, nil
}

func (f *fakeConnectionRepo) ActivateVersion(ctx context.Context, connectionID, versionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[connectionID]
	if !ok {
		return pgx.ErrNoRows
	}
	conn.ActiveVersionID = &versionID
	conn.Status = domain.ConnectionActive
	conn.ErrorMessage = ""
	f.conns[connectionID] = conn
	return nil
}

func (f *fakeConnectionRepo) SetStatus(ctx context.Context, connectionID int64, status domain.ConnectionStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[connectionID]
	if !ok {
		return pgx.ErrNoRows
	}
	conn.Status = status
	conn.ErrorMessage = errorMessage
	f.conns[connectionID] = conn
	return nil
}

func (f *fakeConnectionRepo) Disconnect(ctx context.Context, connectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[connectionID]
	if !ok {
		return pgx.ErrNoRows
	}
	conn.ActiveVersionID = nil
	conn.Status = domain.ConnectionDisconnected
	f.conns[connectionID] = conn
	return nil
}

func (f *fakeConnectionRepo) Delete(ctx context.Context, connectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, connectionID)
	return nil
}

type fakeVersionRepo struct {
	mu       sync.Mutex
	versions map[int64][]domain.CredentialVersion
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{versions: make(map[int64][]domain.CredentialVersion)}
}

func (f *fakeVersionRepo) Latest(ctx context.Context, connectionID int64) (*domain.CredentialVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.versions[connectionID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if row.Version > latest.Version {
			latest = row
		}
	}
	return &latest, nil
}

func (f *fakeVersionRepo) Create(ctx context.Context, version domain.CredentialVersion) (domain.CredentialVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := 1
	for _, row := range f.versions[version.ConnectionID] {
		if row.Version >= next {
			next = row.Version + 1
		}
	}
	version.Version = next
	version.CreatedAt = time.Now().UTC()
	f.versions[version.ConnectionID] = append(f.versions[version.ConnectionID], version)
	return version, nil
}

func (f *fakeVersionRepo) MarkRotated(ctx context.Context, versionID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID, rows := range f.versions {
		for i, row := range rows {
			if row.ID == versionID {
				rotated := at
				rows[i].RotatedAt = &rotated
				f.versions[connID] = rows
				return nil
			}
		}
	}
	return pgx.ErrNoRows
}

func (f *fakeVersionRepo) Prune(ctx context.Context, connectionID int64, keep int, activeVersionID *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.versions[connectionID]
	sort.Slice(rows, func(i, j int) bool { return rows[i].Version > rows[j].Version })

	var kept []domain.CredentialVersion
	var removed int64
	for i, row := range rows {
		isActive := activeVersionID != nil && row.ID == *activeVersionID
		if i < keep || isActive {
			kept = append(kept, row)
			continue
		}
		removed++
	}
	f.versions[connectionID] = kept
	return removed, nil
}

func (f *fakeVersionRepo) CountByConnection(ctx context.Context, connectionID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.versions[connectionID])), nil
}

func (f *fakeVersionRepo) DeleteByConnection(ctx context.Context, connectionID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := int64(len(f.versions[connectionID]))
	delete(f.versions, connectionID)
	return removed, nil
}

type fakeAppRepo struct {
	mu       sync.Mutex
	orgApps  map[string]map[int64]domainoauth.App
	platform map[string]domainoauth.App
}

func newFakeAppRepo() *fakeAppRepo {
	return &fakeAppRepo{
		orgApps:  make(map[string]map[int64]domainoauth.App),
		platform: make(map[string]domainoauth.App),
	}
}

func (f *fakeAppRepo) GetOrgApp(ctx context.Context, providerSlug string, orgID int64) (*domainoauth.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if byOrg, ok := f.orgApps[providerSlug]; ok {
		if app, ok := byOrg[orgID]; ok && app.Active {
			copied := app
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeAppRepo) GetPlatformApp(ctx context.Context, providerSlug string) (*domainoauth.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app, ok := f.platform[providerSlug]; ok && app.Active {
		copied := app
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeAppRepo) Upsert(ctx context.Context, app domainoauth.App) (domainoauth.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app.OrgID == nil {
		f.platform[app.ProviderSlug] = app
		return app, nil
	}
	byOrg, ok := f.orgApps[app.ProviderSlug]
	if !ok {
		byOrg = make(map[int64]domainoauth.App)
		f.orgApps[app.ProviderSlug] = byOrg
	}
	byOrg[*app.OrgID] = app
	return app, nil
}

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]domainoauth.State
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]domainoauth.State)}
}

func (f *fakeStateStore) Save(ctx context.Context, state domainoauth.State, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.State] = state
	return nil
}

func (f *fakeStateStore) Get(ctx context.Context, stateValue string) (*domainoauth.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[stateValue]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (f *fakeStateStore) Consume(ctx context.Context, stateValue string) (*domainoauth.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[stateValue]
	if !ok {
		return nil, nil
	}
	delete(f.states, stateValue)
	copied := state
	return &copied, nil
}

func (f *fakeStateStore) Delete(ctx context.Context, stateValue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, stateValue)
	return nil
}

func (f *fakeStateStore) DeleteExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for key, state := range f.states {
		if state.Expired(now) {
			delete(f.states, key)
			removed++
		}
	}
	return removed, nil
}

type fakeProviderClient struct {
	mu            sync.Mutex
	exchangeFn    func(code, verifier, redirectURI string) (*domainoauth.TokenResponse, error)
	refreshFn     func(refreshToken string) (*domainoauth.TokenResponse, error)
	revokeFn      func(accessToken string) error
	revokedTokens []string
	finalized     int
}

func (f *fakeProviderClient) ExchangeCode(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeFn != nil {
		return f.exchangeFn(code, codeVerifier, redirectURI)
	}
	return &domainoauth.TokenResponse{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: 3600, TokenType: "bearer"}, nil
}

func (f *fakeProviderClient) RefreshToken(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, refreshToken string) (*domainoauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshFn != nil {
		return f.refreshFn(refreshToken)
	}
	return &domainoauth.TokenResponse{AccessToken: "refreshed-access", ExpiresIn: 3600, TokenType: "bearer"}, nil
}

func (f *fakeProviderClient) Revoke(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedTokens = append(f.revokedTokens, accessToken)
	if f.revokeFn != nil {
		return f.revokeFn(accessToken)
	}
	return nil
}

func (f *fakeProviderClient) Finalize(ctx context.Context, def provider.Definition, creds domainoauth.Credentials, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return nil
}

func (f *fakeProviderClient) finalizedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

func (f *fakeProviderClient) revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revokedTokens...)
}

type connectHarness struct {
	cipher      *secret.Cipher
	registry    *provider.Registry
	node        *snowflake.Node
	orgs        *fakeOrgRepo
	conns       *fakeConnectionRepo
	versions    *fakeVersionRepo
	apps        *fakeAppRepo
	states      *fakeStateStore
	client      *fakeProviderClient
	tasks       *async.Submitter
	vault       *Vault
	resolver    *AppResolver
	flow        *FlowCoordinator
	refresh     *RefreshPolicy
	connections *ConnectionService
	cfg         config.Config
}

func newConnectHarness(t *testing.T) *connectHarness {
	t.Helper()

	cipher, err := secret.NewCipher("harness-secret")
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &connectHarness{
		cipher:   cipher,
		registry: provider.NewRegistry(),
		node:     node,
		orgs: &fakeOrgRepo{orgs: map[int64]domain.Org{
			1: {ID: 1, Name: "Acme", Slug: "acme", Status: "active"},
		}},
		conns:    newFakeConnectionRepo(),
		versions: newFakeVersionRepo(),
		apps:     newFakeAppRepo(),
		states:   newFakeStateStore(),
		client:   &fakeProviderClient{},
		tasks:    async.NewSubmitter(zap.NewNop()),
		cfg: config.Config{
			BaseURL:       "https://app.example.test",
			OAuthStateTTL: 10 * time.Minute,
		},
	}

	logger := zap.NewNop()
	h.vault = NewVault(cipher, h.conns, h.versions, node, logger)
	h.resolver = NewAppResolver(h.apps, h.registry, cipher, logger)
	h.flow = NewFlowCoordinator(h.registry, h.resolver, h.states, h.client, h.vault, h.conns, h.orgs, h.tasks, node, h.cfg, logger)
	h.refresh = NewRefreshPolicy(h.registry, h.resolver, h.client, h.vault, h.conns, logger)
	h.connections = NewConnectionService(h.registry, h.resolver, h.client, h.vault, h.conns, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.tasks.Shutdown(ctx)
	})

	return h
}

func (h *connectHarness) seedPlatformApp(t *testing.T, providerSlug, clientID, clientSecret string) {
	t.Helper()
	idEnv, err := h.cipher.Encrypt(clientID)
	require.NoError(t, err)
	secretEnv, err := h.cipher.Encrypt(clientSecret)
	require.NoError(t, err)
	_, err = h.apps.Upsert(context.Background(), domainoauth.App{
		ID:           h.node.Generate().Int64(),
		ProviderSlug: providerSlug,
		ClientID:     idEnv,
		ClientSecret: secretEnv,
		Active:       true,
	})
	require.NoError(t, err)
}

func (h *connectHarness) seedOrgApp(t *testing.T, providerSlug string, orgID int64, clientID, clientSecret string, settings map[string]any) {
	t.Helper()
	idEnv, err := h.cipher.Encrypt(clientID)
	require.NoError(t, err)
	secretEnv, err := h.cipher.Encrypt(clientSecret)
	require.NoError(t, err)
	_, err = h.apps.Upsert(context.Background(), domainoauth.App{
		ID:           h.node.Generate().Int64(),
		ProviderSlug: providerSlug,
		OrgID:        &orgID,
		ClientID:     idEnv,
		ClientSecret: secretEnv,
		Settings:     settings,
		Active:       true,
	})
	require.NoError(t, err)
}

func (h *connectHarness) seedConnection(t *testing.T, orgID int64, providerSlug string) domain.Connection {
	t.Helper()
	conn, err := h.conns.Create(context.Background(), domain.Connection{
		ID:           h.node.Generate().Int64(),
		OrgID:        orgID,
		ProviderSlug: providerSlug,
		Auth:         domain.AuthConfig{Strategy: domain.AuthStrategyOAuth2, OAuth2: &domain.OAuth2AuthConfig{}},
		Status:       domain.ConnectionPending,
	})
	require.NoError(t, err)
	return conn
}

func (h *connectHarness) drainTasks(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.tasks.Shutdown(ctx))
}
