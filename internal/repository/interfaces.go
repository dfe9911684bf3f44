package repository

import (
	"context"
	"time"

	"github.com/trycompai/comp-sub003/internal/domain"
	"github.com/trycompai/comp-sub003/internal/domain/oauth"
)

// OrgRepository exposes org-level queries.
type OrgRepository interface {
	GetOrg(ctx context.Context, orgID int64) (domain.Org, error)
	GetOrgBySlug(ctx context.Context, slug string) (domain.Org, error)
}

// ConnectionRepository persists provider connections.
type ConnectionRepository interface {
	GetByID(ctx context.Context, id int64) (domain.Connection, error)
	GetByOrgProvider(ctx context.Context, orgID int64, providerSlug string) (domain.Connection, error)
	Create(ctx context.Context, conn domain.Connection) (domain.Connection, error)
	// ActivateVersion atomically repoints the active credential version,
	// marks the connection active and clears any error state.
	ActivateVersion(ctx context.Context, connectionID, versionID int64) error
	SetStatus(ctx context.Context, connectionID int64, status domain.ConnectionStatus, errorMessage string) error
	// Disconnect clears the active version pointer and marks the connection
	// disconnected; the row is retained for audit.
	Disconnect(ctx context.Context, connectionID int64) error
	Delete(ctx context.Context, connectionID int64) error
}

// CredentialVersionRepository persists encrypted credential snapshots.
type CredentialVersionRepository interface {
	// Latest returns the highest-numbered version, or nil when none exists.
	Latest(ctx context.Context, connectionID int64) (*domain.CredentialVersion, error)
	// Create inserts a new version with the next strictly-increasing version
	// number for the connection.
	Create(ctx context.Context, version domain.CredentialVersion) (domain.CredentialVersion, error)
	MarkRotated(ctx context.Context, versionID int64, at time.Time) error
	// Prune removes versions beyond keep, never the one referenced by
	// activeVersionID. Returns the number removed.
	Prune(ctx context.Context, connectionID int64, keep int, activeVersionID *int64) (int64, error)
	CountByConnection(ctx context.Context, connectionID int64) (int64, error)
	DeleteByConnection(ctx context.Context, connectionID int64) (int64, error)
}

// OAuthAppRepository stores tiered OAuth application credentials.
type OAuthAppRepository interface {
	// GetOrgApp returns the active organization-tier record, nil when absent.
	GetOrgApp(ctx context.Context, providerSlug string, orgID int64) (*oauth.App, error)
	// GetPlatformApp returns the active platform-tier record, nil when absent.
	GetPlatformApp(ctx context.Context, providerSlug string) (*oauth.App, error)
	Upsert(ctx context.Context, app oauth.App) (oauth.App, error)
}

// StateStore persists short-lived single-use OAuth states.
type StateStore interface {
	Save(ctx context.Context, state oauth.State, ttl time.Duration) error
	Get(ctx context.Context, stateValue string) (*oauth.State, error)
	// Consume atomically loads and deletes the state; nil when missing or
	// already used. At most one of two racing callers observes the state.
	Consume(ctx context.Context, stateValue string) (*oauth.State, error)
	Delete(ctx context.Context, stateValue string) error
	// DeleteExpired sweeps stale states; idempotent and safe to run
	// concurrently. Returns the number removed.
	DeleteExpired(ctx context.Context) (int, error)
}
