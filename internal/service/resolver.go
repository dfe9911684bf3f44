package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	domainoauth "github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
	"github.com/trycompai/comp-sub003/internal/secret"
)

// AppResolver picks which OAuth client credentials to use for a
// (provider, organization) pair. An active organization-tier record always
// wins over the platform tier.
type AppResolver struct {
	apps     repository.OAuthAppRepository
	registry *provider.Registry
	cipher   *secret.Cipher
	logger   *zap.Logger
}

// NewAppResolver wires the tiered credential resolver.
func NewAppResolver(apps repository.OAuthAppRepository, registry *provider.Registry, cipher *secret.Cipher, logger *zap.Logger) *AppResolver {
	return &AppResolver{apps: apps, registry: registry, cipher: cipher, logger: logger}
}

// Resolve returns decrypted client credentials with their tier source, or
// ErrNoApp when neither tier has an active record.
func (r *AppResolver) Resolve(ctx context.Context, providerSlug string, orgID int64) (*domainoauth.Credentials, error) {
	def, ok := r.registry.Get(providerSlug)
	if !ok {
		return nil, fmt.Errorf("resolve oauth app: unknown provider %s", providerSlug)
	}

	app, err := r.apps.GetOrgApp(ctx, def.Slug, orgID)
	if err != nil {
		return nil, fmt.Errorf("load org oauth app: %w", err)
	}
	source := domainoauth.SourceOrganization
	if app == nil {
		app, err = r.apps.GetPlatformApp(ctx, def.Slug)
		if err != nil {
			return nil, fmt.Errorf("load platform oauth app: %w", err)
		}
		source = domainoauth.SourcePlatform
	}
	if app == nil {
		return nil, domainoauth.ErrNoApp
	}

	clientID, err := r.cipher.Decrypt(app.ClientID)
	if err != nil {
		return nil, fmt.Errorf("decrypt client id: %w", err)
	}
	clientSecret, err := r.cipher.Decrypt(app.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt client secret: %w", err)
	}

	scopes := app.Scopes
	if len(scopes) == 0 && def.OAuth != nil {
		scopes = def.OAuth.DefaultScopes
	}

	return &domainoauth.Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Source:       source,
		Settings:     app.Settings,
	}, nil
}

// Availability reports which tiers exist for a provider without decrypting
// anything, plus the provider's setup instructions. Used to tell a user
// whether self-service OAuth-app setup is needed.
func (r *AppResolver) Availability(ctx context.Context, providerSlug string, orgID int64) (*domainoauth.Availability, error) {
	def, ok := r.registry.Get(providerSlug)
	if !ok {
		return nil, fmt.Errorf("check oauth app availability: unknown provider %s", providerSlug)
	}

	orgApp, err := r.apps.GetOrgApp(ctx, def.Slug, orgID)
	if err != nil {
		return nil, fmt.Errorf("check org oauth app: %w", err)
	}
	platformApp, err := r.apps.GetPlatformApp(ctx, def.Slug)
	if err != nil {
		return nil, fmt.Errorf("check platform oauth app: %w", err)
	}

	return &domainoauth.Availability{
		Organization:      orgApp != nil,
		Platform:          platformApp != nil,
		SetupInstructions: def.SetupInstructions,
	}, nil
}
