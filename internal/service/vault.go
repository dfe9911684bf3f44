package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/domain"
	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/repository"
	"github.com/trycompai/comp-sub003/internal/secret"
)

// Vault stores and retrieves encrypted, versioned credentials for
// connections. Secret fields are sealed individually so ciphertexts never
// correlate across fields or versions.
type Vault struct {
	cipher      *secret.Cipher
	connections repository.ConnectionRepository
	versions    repository.CredentialVersionRepository
	node        *snowflake.Node
	logger      *zap.Logger
}

// NewVault wires the credential vault.
func NewVault(
	cipher *secret.Cipher,
	connections repository.ConnectionRepository,
	versions repository.CredentialVersionRepository,
	node *snowflake.Node,
	logger *zap.Logger,
) *Vault {
	return &Vault{
		cipher:      cipher,
		connections: connections,
		versions:    versions,
		node:        node,
		logger:      logger,
	}
}

// StoreOAuthTokens encrypts the access and refresh tokens, keeps non-secret
// token fields as plaintext, writes a new credential version, repoints the
// connection's active version (clearing error state) and prunes versions
// beyond the retention count.
func (v *Vault) StoreOAuthTokens(ctx context.Context, connectionID int64, tokens *domainoauth.TokenResponse) (*domain.CredentialVersion, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return nil, domainoauth.ErrTokenInvalid
	}

	payload := map[string]any{}
	accessEnv, err := v.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	payload["access_token"] = accessEnv.AsMap()

	if tokens.RefreshToken != "" {
		refreshEnv, err := v.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		payload["refresh_token"] = refreshEnv.AsMap()
	}
	if tokens.TokenType != "" {
		payload["token_type"] = tokens.TokenType
	}
	if tokens.Scope != "" {
		payload["scope"] = tokens.Scope
	}

	var expiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	return v.storeVersion(ctx, connectionID, payload, expiresAt)
}

// StoreAPIKeyCredentials encrypts every string field generically; the field
// names are provider-defined and not known in advance.
func (v *Vault) StoreAPIKeyCredentials(ctx context.Context, connectionID int64, fields map[string]string) (*domain.CredentialVersion, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("vault: no credential fields supplied")
	}
	payload := make(map[string]any, len(fields))
	for name, value := range fields {
		env, err := v.cipher.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		payload[name] = env.AsMap()
	}
	return v.storeVersion(ctx, connectionID, payload, nil)
}

// DecryptedCredentials loads the latest version and decrypts every field that
// looks like an encrypted envelope, passing plain fields through. Returns nil
// when no version exists.
func (v *Vault) DecryptedCredentials(ctx context.Context, connectionID int64) (map[string]any, error) {
	latest, err := v.versions.Latest(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	out := make(map[string]any, len(latest.Payload))
	for name, value := range latest.Payload {
		if env, ok := secret.IsEnvelope(value); ok {
			plaintext, err := v.cipher.Decrypt(env)
			if err != nil {
				return nil, fmt.Errorf("decrypt field %s: %w", name, err)
			}
			out[name] = plaintext
			continue
		}
		out[name] = value
	}
	return out, nil
}

// NeedsRefresh reports whether the latest version's expiry falls within the
// refresh look-ahead buffer. Versions without expiry never need refresh.
func (v *Vault) NeedsRefresh(ctx context.Context, connectionID int64) (bool, error) {
	latest, err := v.versions.Latest(ctx, connectionID)
	if err != nil {
		return false, err
	}
	return latest.NeedsRefresh(time.Now().UTC()), nil
}

// LatestVersion exposes the newest stored version without decrypting it.
func (v *Vault) LatestVersion(ctx context.Context, connectionID int64) (*domain.CredentialVersion, error) {
	return v.versions.Latest(ctx, connectionID)
}

// RotateCredentials stamps the previous latest version as rotated, then
// stores the new fields as a fresh version. The old version is retained for
// audit until the pruner discards it.
func (v *Vault) RotateCredentials(ctx context.Context, connectionID int64, fields map[string]string) (*domain.CredentialVersion, error) {
	previous, err := v.versions.Latest(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		if err := v.versions.MarkRotated(ctx, previous.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return v.StoreAPIKeyCredentials(ctx, connectionID, fields)
}

// PurgeCredentials removes every stored version for a connection and clears
// the connection's active pointer. Used during teardown.
func (v *Vault) PurgeCredentials(ctx context.Context, connectionID int64) error {
	if _, err := v.versions.DeleteByConnection(ctx, connectionID); err != nil {
		return err
	}
	return v.connections.Disconnect(ctx, connectionID)
}

func (v *Vault) storeVersion(ctx context.Context, connectionID int64, payload map[string]any, expiresAt *time.Time) (*domain.CredentialVersion, error) {
	version, err := v.versions.Create(ctx, domain.CredentialVersion{
		ID:           v.node.Generate().Int64(),
		ConnectionID: connectionID,
		Payload:      payload,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return nil, err
	}

	if err := v.connections.ActivateVersion(ctx, connectionID, version.ID); err != nil {
		return nil, err
	}

	activeID := version.ID
	pruned, err := v.versions.Prune(ctx, connectionID, domain.CredentialRetention, &activeID)
	if err != nil {
		// Pruning is retention housekeeping; the stored version is already
		// live, so surface the failure in logs only.
		v.log().Warn("credential version prune failed",
			zap.Int64("connection_id", connectionID), zap.Error(err))
	} else if pruned > 0 {
		v.log().Debug("pruned credential versions",
			zap.Int64("connection_id", connectionID), zap.Int64("pruned", pruned))
	}

	return &version, nil
}

func (v *Vault) log() *zap.Logger {
	if v != nil && v.logger != nil {
		return v.logger
	}
	return zap.L()
}
