package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/adapter/cloud"
	oauthadapter "github.com/trycompai/comp-sub003/internal/adapter/oauth"
	"github.com/trycompai/comp-sub003/internal/domain"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
)

// RoleValidator validates customer role assumption across regions.
type RoleValidator interface {
	Validate(ctx context.Context, customerRoleARN, externalID string, regions []string) ([]cloud.RegionResult, error)
}

// ConnectionService handles connection lifecycle operations that sit above
// the vault: teardown with best-effort revocation and cloud role validation.
type ConnectionService struct {
	registry       *provider.Registry
	resolver       *AppResolver
	providerClient oauthadapter.ProviderClient
	vault          *Vault
	connections    repository.ConnectionRepository
	roles          RoleValidator
	logger         *zap.Logger
}

// NewConnectionService wires the connection lifecycle service. roles may be
// nil when cloud role assumption is not configured.
func NewConnectionService(
	registry *provider.Registry,
	resolver *AppResolver,
	providerClient oauthadapter.ProviderClient,
	vault *Vault,
	connections repository.ConnectionRepository,
	roles RoleValidator,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		registry:       registry,
		resolver:       resolver,
		providerClient: providerClient,
		vault:          vault,
		connections:    connections,
		roles:          roles,
		logger:         logger,
	}
}

// Get loads a connection by id.
func (s *ConnectionService) Get(ctx context.Context, connectionID int64) (domain.Connection, error) {
	return s.connections.GetByID(ctx, connectionID)
}

// Teardown disconnects a connection: best-effort token revocation at the
// provider, then removal of every stored credential version. Revocation
// failures are logged and never block the teardown.
func (s *ConnectionService) Teardown(ctx context.Context, connectionID int64) error {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}

	s.revokeBestEffort(ctx, conn)

	if err := s.vault.PurgeCredentials(ctx, connectionID); err != nil {
		return fmt.Errorf("teardown connection %d: %w", connectionID, err)
	}
	s.log().Info("connection torn down",
		zap.Int64("connection_id", connectionID),
		zap.String("provider", conn.ProviderSlug))
	return nil
}

// ValidateRoleAssumption performs the two-hop role assumption against the
// connection's customer role and probes each requested region. When regions
// is empty the connection's stored region list is used.
func (s *ConnectionService) ValidateRoleAssumption(ctx context.Context, connectionID int64, regions []string) ([]cloud.RegionResult, error) {
	if s.roles == nil {
		return nil, fmt.Errorf("role assumption is not configured")
	}
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	def, ok := s.registry.Get(conn.ProviderSlug)
	if !ok || !def.RoleAssumption {
		return nil, fmt.Errorf("provider %s does not use role assumption", conn.ProviderSlug)
	}

	roleARN := conn.MetaString(domain.MetaRoleARN)
	externalID := conn.MetaString(domain.MetaExternalID)
	if roleARN == "" || externalID == "" {
		return nil, fmt.Errorf("connection %d is missing role_arn or external_id metadata", connectionID)
	}
	if len(regions) == 0 {
		regions = conn.MetaStrings(domain.MetaRegions)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions selected for validation")
	}

	results, err := s.roles.Validate(ctx, roleARN, externalID, regions)
	if err != nil {
		if setErr := s.connections.SetStatus(ctx, connectionID, domain.ConnectionError, err.Error()); setErr != nil {
			s.log().Error("failed to mark connection errored",
				zap.Int64("connection_id", connectionID), zap.Error(setErr))
		}
		return results, err
	}
	if err := s.connections.SetStatus(ctx, connectionID, domain.ConnectionActive, ""); err != nil {
		return results, err
	}
	return results, nil
}

// revokeBestEffort revokes the stored access token when the provider declares
// a revoke endpoint and a token is on file.
func (s *ConnectionService) revokeBestEffort(ctx context.Context, conn domain.Connection) {
	def, ok := s.registry.Get(conn.ProviderSlug)
	if !ok || def.Revoke == nil {
		return
	}

	fields, err := s.vault.DecryptedCredentials(ctx, conn.ID)
	if err != nil {
		s.log().Warn("skipping revocation, credentials unreadable",
			zap.Int64("connection_id", conn.ID), zap.Error(err))
		return
	}
	accessToken, _ := fields["access_token"].(string)
	if strings.TrimSpace(accessToken) == "" {
		return
	}

	creds, err := s.resolver.Resolve(ctx, def.Slug, conn.OrgID)
	if err != nil {
		s.log().Warn("skipping revocation, oauth app unavailable",
			zap.Int64("connection_id", conn.ID), zap.Error(err))
		return
	}
	if err := s.providerClient.Revoke(ctx, def, *creds, accessToken); err != nil {
		s.log().Warn("token revocation failed",
			zap.Int64("connection_id", conn.ID),
			zap.String("provider", conn.ProviderSlug),
			zap.Error(err))
		return
	}
	s.log().Info("revoked provider token",
		zap.Int64("connection_id", conn.ID),
		zap.String("provider", conn.ProviderSlug))
}

func (s *ConnectionService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
