package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trycompai/comp-sub003/internal/domain"
)

// Compile-time interface assertions.
var (
	_ OrgRepository               = (*PostgresOrgRepo)(nil)
	_ ConnectionRepository        = (*PostgresConnectionRepo)(nil)
	_ CredentialVersionRepository = (*PostgresCredentialVersionRepo)(nil)
)

// PostgresOrgRepo implements OrgRepository on pgx.
type PostgresOrgRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresOrgRepo(pool *pgxpool.Pool) *PostgresOrgRepo {
	return &PostgresOrgRepo{pool: pool}
}

const getOrgSQL = `SELECT org_id, name, slug, status, created_at, updated_at
FROM orgs WHERE org_id = $1`

const getOrgBySlugSQL = `SELECT org_id, name, slug, status, created_at, updated_at
FROM orgs WHERE slug = $1`

func (r *PostgresOrgRepo) GetOrg(ctx context.Context, orgID int64) (domain.Org, error) {
	var org domain.Org
	err := r.pool.QueryRow(ctx, getOrgSQL, orgID).Scan(
		&org.ID, &org.Name, &org.Slug, &org.Status, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return domain.Org{}, fmt.Errorf("get org: %w", err)
	}
	return org, nil
}

func (r *PostgresOrgRepo) GetOrgBySlug(ctx context.Context, slug string) (domain.Org, error) {
	var org domain.Org
	err := r.pool.QueryRow(ctx, getOrgBySlugSQL, slug).Scan(
		&org.ID, &org.Name, &org.Slug, &org.Status, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		return domain.Org{}, fmt.Errorf("get org by slug: %w", err)
	}
	return org, nil
}

// PostgresConnectionRepo implements ConnectionRepository on pgx.
type PostgresConnectionRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresConnectionRepo(pool *pgxpool.Pool) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{pool: pool}
}

const connectionColumns = `connection_id, org_id, provider_slug, auth_config, status,
active_version_id, last_sync_at, next_sync_at, metadata, variables, error_message,
created_at, updated_at`

const getConnectionSQL = `SELECT ` + connectionColumns + `
FROM connections WHERE connection_id = $1`

const getConnectionByOrgProviderSQL = `SELECT ` + connectionColumns + `
FROM connections WHERE org_id = $1 AND provider_slug = $2`

const insertConnectionSQL = `INSERT INTO connections
(connection_id, org_id, provider_slug, auth_config, status, metadata, variables, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`

const activateVersionSQL = `UPDATE connections
SET active_version_id = $2, status = 'active', error_message = '', updated_at = now()
WHERE connection_id = $1`

const setConnectionStatusSQL = `UPDATE connections
SET status = $2, error_message = $3, updated_at = now()
WHERE connection_id = $1`

const disconnectConnectionSQL = `UPDATE connections
SET status = 'disconnected', active_version_id = NULL, updated_at = now()
WHERE connection_id = $1`

const deleteConnectionSQL = `DELETE FROM connections WHERE connection_id = $1`

func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id int64) (domain.Connection, error) {
	return r.scanConnection(r.pool.QueryRow(ctx, getConnectionSQL, id), "get connection")
}

func (r *PostgresConnectionRepo) GetByOrgProvider(ctx context.Context, orgID int64, providerSlug string) (domain.Connection, error) {
	return r.scanConnection(r.pool.QueryRow(ctx, getConnectionByOrgProviderSQL, orgID, providerSlug), "get connection by provider")
}

func (r *PostgresConnectionRepo) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	authJSON, err := json.Marshal(conn.Auth)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("encode auth config: %w", err)
	}
	metaJSON, err := json.Marshal(orEmptyMap(conn.Metadata))
	if err != nil {
		return domain.Connection{}, fmt.Errorf("encode metadata: %w", err)
	}
	varsJSON, err := json.Marshal(orEmptyMap(conn.Variables))
	if err != nil {
		return domain.Connection{}, fmt.Errorf("encode variables: %w", err)
	}
	if conn.Status == "" {
		conn.Status = domain.ConnectionPending
	}
	_, err = r.pool.Exec(ctx, insertConnectionSQL,
		conn.ID, conn.OrgID, conn.ProviderSlug, authJSON, string(conn.Status), metaJSON, varsJSON,
	)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("create connection: %w", err)
	}
	return r.GetByID(ctx, conn.ID)
}

func (r *PostgresConnectionRepo) ActivateVersion(ctx context.Context, connectionID, versionID int64) error {
	if _, err := r.pool.Exec(ctx, activateVersionSQL, connectionID, versionID); err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) SetStatus(ctx context.Context, connectionID int64, status domain.ConnectionStatus, errorMessage string) error {
	if _, err := r.pool.Exec(ctx, setConnectionStatusSQL, connectionID, string(status), errorMessage); err != nil {
		return fmt.Errorf("set connection status: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) Disconnect(ctx context.Context, connectionID int64) error {
	if _, err := r.pool.Exec(ctx, disconnectConnectionSQL, connectionID); err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) Delete(ctx context.Context, connectionID int64) error {
	if _, err := r.pool.Exec(ctx, deleteConnectionSQL, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) scanConnection(row pgx.Row, op string) (domain.Connection, error) {
	var (
		conn     domain.Connection
		status   string
		authJSON []byte
		metaJSON []byte
		varsJSON []byte
	)
	err := row.Scan(
		&conn.ID, &conn.OrgID, &conn.ProviderSlug, &authJSON, &status,
		&conn.ActiveVersionID, &conn.LastSyncAt, &conn.NextSyncAt,
		&metaJSON, &varsJSON, &conn.ErrorMessage, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	conn.Status = domain.ConnectionStatus(status)
	if len(authJSON) > 0 {
		if err := json.Unmarshal(authJSON, &conn.Auth); err != nil {
			return domain.Connection{}, fmt.Errorf("%s: decode auth config: %w", op, err)
		}
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &conn.Metadata)
	}
	if len(varsJSON) > 0 {
		_ = json.Unmarshal(varsJSON, &conn.Variables)
	}
	return conn, nil
}

// PostgresCredentialVersionRepo implements CredentialVersionRepository on pgx.
type PostgresCredentialVersionRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCredentialVersionRepo(pool *pgxpool.Pool) *PostgresCredentialVersionRepo {
	return &PostgresCredentialVersionRepo{pool: pool}
}

const latestVersionSQL = `SELECT version_id, connection_id, version, payload, expires_at, rotated_at, created_at
FROM credential_versions WHERE connection_id = $1
ORDER BY version DESC LIMIT 1`

// The version number is computed inside the insert so it is strictly
// increasing per connection even across concurrent writers.
const insertVersionSQL = `INSERT INTO credential_versions
(version_id, connection_id, version, payload, expires_at, created_at)
VALUES ($1, $2,
	(SELECT COALESCE(MAX(version), 0) + 1 FROM credential_versions WHERE connection_id = $2),
	$3, $4, now())
RETURNING version, created_at`

const markRotatedSQL = `UPDATE credential_versions SET rotated_at = $2 WHERE version_id = $1`

const pruneVersionsSQL = `DELETE FROM credential_versions
WHERE connection_id = $1
  AND ($3::bigint IS NULL OR version_id <> $3)
  AND version_id NOT IN (
	SELECT version_id FROM credential_versions
	WHERE connection_id = $1 ORDER BY version DESC LIMIT $2
  )`

const countVersionsSQL = `SELECT COUNT(*) FROM credential_versions WHERE connection_id = $1`

const deleteVersionsSQL = `DELETE FROM credential_versions WHERE connection_id = $1`

func (r *PostgresCredentialVersionRepo) Latest(ctx context.Context, connectionID int64) (*domain.CredentialVersion, error) {
	var (
		version     domain.CredentialVersion
		payloadJSON []byte
	)
	err := r.pool.QueryRow(ctx, latestVersionSQL, connectionID).Scan(
		&version.ID, &version.ConnectionID, &version.Version,
		&payloadJSON, &version.ExpiresAt, &version.RotatedAt, &version.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest version: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &version.Payload); err != nil {
			return nil, fmt.Errorf("decode version payload: %w", err)
		}
	}
	return &version, nil
}

func (r *PostgresCredentialVersionRepo) Create(ctx context.Context, version domain.CredentialVersion) (domain.CredentialVersion, error) {
	payloadJSON, err := json.Marshal(orEmptyMap(version.Payload))
	if err != nil {
		return domain.CredentialVersion{}, fmt.Errorf("encode version payload: %w", err)
	}
	err = r.pool.QueryRow(ctx, insertVersionSQL,
		version.ID, version.ConnectionID, payloadJSON, version.ExpiresAt,
	).Scan(&version.Version, &version.CreatedAt)
	if err != nil {
		return domain.CredentialVersion{}, fmt.Errorf("create version: %w", err)
	}
	return version, nil
}

func (r *PostgresCredentialVersionRepo) MarkRotated(ctx context.Context, versionID int64, at time.Time) error {
	if _, err := r.pool.Exec(ctx, markRotatedSQL, versionID, at); err != nil {
		return fmt.Errorf("mark rotated: %w", err)
	}
	return nil
}

func (r *PostgresCredentialVersionRepo) Prune(ctx context.Context, connectionID int64, keep int, activeVersionID *int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, pruneVersionsSQL, connectionID, keep, activeVersionID)
	if err != nil {
		return 0, fmt.Errorf("prune versions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresCredentialVersionRepo) CountByConnection(ctx context.Context, connectionID int64) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, countVersionsSQL, connectionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return count, nil
}

func (r *PostgresCredentialVersionRepo) DeleteByConnection(ctx context.Context, connectionID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, deleteVersionsSQL, connectionID)
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
