package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	oauthadapter "github.com/trycompai/comp-sub003/internal/adapter/oauth"
	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
)

// RefreshPolicy decides when stored OAuth tokens are refreshed and performs
// the refresh against the provider.
type RefreshPolicy struct {
	registry       *provider.Registry
	resolver       *AppResolver
	providerClient oauthadapter.ProviderClient
	vault          *Vault
	connections    repository.ConnectionRepository
	logger         *zap.Logger
}

// NewRefreshPolicy wires the expiry-aware refresh policy.
func NewRefreshPolicy(
	registry *provider.Registry,
	resolver *AppResolver,
	providerClient oauthadapter.ProviderClient,
	vault *Vault,
	connections repository.ConnectionRepository,
	logger *zap.Logger,
) *RefreshPolicy {
	return &RefreshPolicy{
		registry:       registry,
		resolver:       resolver,
		providerClient: providerClient,
		vault:          vault,
		connections:    connections,
		logger:         logger,
	}
}

// ValidAccessToken returns a decrypted access token for the connection,
// refreshing first when the stored token is inside the expiry look-ahead
// window. When a refresh attempt fails without invalidating the grant, the
// stored token is returned as-is rather than failing the caller.
func (r *RefreshPolicy) ValidAccessToken(ctx context.Context, connectionID int64) (string, error) {
	version, err := r.vault.LatestVersion(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if version == nil {
		return "", domainoauth.ErrTokenInvalid
	}

	if version.NeedsRefresh(time.Now().UTC()) {
		if _, err := r.RefreshTokens(ctx, connectionID); err != nil {
			if errors.Is(err, domainoauth.ErrReauthRequired) {
				return "", err
			}
			r.log().Warn("token refresh failed, serving stored token",
				zap.Int64("connection_id", connectionID), zap.Error(err))
		}
	}

	fields, err := r.vault.DecryptedCredentials(ctx, connectionID)
	if err != nil {
		return "", err
	}
	token, _ := fields["access_token"].(string)
	if strings.TrimSpace(token) == "" {
		return "", domainoauth.ErrTokenInvalid
	}
	return token, nil
}

// RefreshTokens exchanges the stored refresh token for fresh tokens and
// persists them as a new credential version. When the provider omits a new
// refresh token the previous one is carried forward. A definitive rejection
// of the grant marks the connection errored and returns ErrReauthRequired.
func (r *RefreshPolicy) RefreshTokens(ctx context.Context, connectionID int64) (*domain.CredentialVersion, error) {
	conn, err := r.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	def, ok := r.registry.Get(conn.ProviderSlug)
	if !ok || def.OAuth == nil {
		return nil, fmt.Errorf("refresh tokens: provider %s does not support oauth", conn.ProviderSlug)
	}

	fields, err := r.vault.DecryptedCredentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	refreshToken, _ := fields["refresh_token"].(string)
	if strings.TrimSpace(refreshToken) == "" {
		// Some providers issue non-expiring tokens without refresh tokens.
		r.log().Info("no refresh token stored, skipping refresh",
			zap.Int64("connection_id", connectionID), zap.String("provider", conn.ProviderSlug))
		return nil, domainoauth.ErrNoRefreshToken
	}

	creds, err := r.resolver.Resolve(ctx, def.Slug, conn.OrgID)
	if err != nil {
		return nil, fmt.Errorf("resolve oauth app for refresh: %w", err)
	}

	tokens, err := r.providerClient.RefreshToken(ctx, def, *creds, refreshToken)
	if err != nil {
		var upstream *oauthadapter.UpstreamError
		if errors.As(err, &upstream) && (upstream.StatusCode == 400 || upstream.StatusCode == 401) {
			r.log().Warn("refresh token rejected, reauthorization required",
				zap.Int64("connection_id", connectionID),
				zap.String("provider", conn.ProviderSlug),
				zap.Int("status", upstream.StatusCode))
			if setErr := r.connections.SetStatus(ctx, connectionID, domain.ConnectionError,
				"OAuth refresh token was rejected; the integration must be reauthorized."); setErr != nil {
				r.log().Error("failed to mark connection errored",
					zap.Int64("connection_id", connectionID), zap.Error(setErr))
			}
			return nil, fmt.Errorf("%w: %v", domainoauth.ErrReauthRequired, err)
		}
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}

	version, err := r.vault.StoreOAuthTokens(ctx, connectionID, tokens)
	if err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}
	r.log().Info("refreshed oauth tokens",
		zap.Int64("connection_id", connectionID),
		zap.String("provider", conn.ProviderSlug),
		zap.Int("version", version.Version))
	return version, nil
}

func (r *RefreshPolicy) log() *zap.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return zap.L()
}
