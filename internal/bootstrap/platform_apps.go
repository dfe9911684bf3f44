// Package bootstrap seeds startup state such as platform-tier OAuth apps.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/config"
	oauthdomain "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
	"github.com/trycompai/comp-sub003/internal/secret"
)

// platformAppSpec is one entry of the PLATFORM_OAUTH_APPS JSON array.
type platformAppSpec struct {
	Provider     string         `json:"provider"`
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret"`
	Scopes       []string       `json:"scopes,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// EnsurePlatformApps upserts platform-tier OAuth app records declared in
// PLATFORM_OAUTH_APPS at startup, encrypting client credentials on write.
// Idempotent across restarts.
func EnsurePlatformApps(
	lc fx.Lifecycle,
	cfg config.Config,
	registry *provider.Registry,
	apps repository.OAuthAppRepository,
	cipher *secret.Cipher,
	node *snowflake.Node,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensurePlatformApps(ctx, cfg, registry, apps, cipher, node, logger)
		},
	})
}

func ensurePlatformApps(
	ctx context.Context,
	cfg config.Config,
	registry *provider.Registry,
	apps repository.OAuthAppRepository,
	cipher *secret.Cipher,
	node *snowflake.Node,
	logger *zap.Logger,
) error {
	raw := strings.TrimSpace(cfg.PlatformOAuthApps)
	if raw == "" {
		return nil
	}

	var specs []platformAppSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return fmt.Errorf("parse PLATFORM_OAUTH_APPS: %w", err)
	}

	for _, spec := range specs {
		slug := strings.ToLower(strings.TrimSpace(spec.Provider))
		def, ok := registry.Get(slug)
		if !ok || def.OAuth == nil {
			return fmt.Errorf("PLATFORM_OAUTH_APPS references unknown oauth provider %q", spec.Provider)
		}
		if spec.ClientID == "" || spec.ClientSecret == "" {
			return fmt.Errorf("PLATFORM_OAUTH_APPS entry for %s is missing client_id or client_secret", slug)
		}

		clientID, err := cipher.Encrypt(spec.ClientID)
		if err != nil {
			return fmt.Errorf("encrypt client id for %s: %w", slug, err)
		}
		clientSecret, err := cipher.Encrypt(spec.ClientSecret)
		if err != nil {
			return fmt.Errorf("encrypt client secret for %s: %w", slug, err)
		}

		app := oauthdomain.App{
			ID:           node.Generate().Int64(),
			ProviderSlug: def.Slug,
			OrgID:        nil,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       spec.Scopes,
			Settings:     spec.Settings,
			Active:       true,
		}
		if _, err := apps.Upsert(ctx, app); err != nil {
			return fmt.Errorf("seed platform oauth app %s: %w", slug, err)
		}

		if logger != nil {
			logger.Info("platform oauth app ensured", zap.String("provider", def.Slug))
		}
	}
	return nil
}
