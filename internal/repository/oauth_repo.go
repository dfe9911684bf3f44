package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trycompai/comp-sub003/internal/domain/oauth"
)

// PostgresOAuthAppRepo implements OAuthAppRepository on pgx.
type PostgresOAuthAppRepo struct {
	pool *pgxpool.Pool
}

var _ OAuthAppRepository = (*PostgresOAuthAppRepo)(nil)

func NewPostgresOAuthAppRepo(pool *pgxpool.Pool) *PostgresOAuthAppRepo {
	return &PostgresOAuthAppRepo{pool: pool}
}

const oauthAppColumns = `app_id, provider_slug, org_id, client_id, client_secret,
scopes, settings, active, created_at, updated_at`

const getOrgAppSQL = `SELECT ` + oauthAppColumns + `
FROM oauth_apps WHERE provider_slug = $1 AND org_id = $2 AND active`

const getPlatformAppSQL = `SELECT ` + oauthAppColumns + `
FROM oauth_apps WHERE provider_slug = $1 AND org_id IS NULL AND active`

const updateAppSQL = `UPDATE oauth_apps
SET client_id = $3, client_secret = $4, scopes = $5, settings = $6, active = $7, updated_at = now()
WHERE provider_slug = $1 AND org_id IS NOT DISTINCT FROM $2`

const insertAppSQL = `INSERT INTO oauth_apps
(app_id, provider_slug, org_id, client_id, client_secret, scopes, settings, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`

func (r *PostgresOAuthAppRepo) GetOrgApp(ctx context.Context, providerSlug string, orgID int64) (*oauth.App, error) {
	return r.scanApp(r.pool.QueryRow(ctx, getOrgAppSQL, providerSlug, orgID), "get org oauth app")
}

func (r *PostgresOAuthAppRepo) GetPlatformApp(ctx context.Context, providerSlug string) (*oauth.App, error) {
	return r.scanApp(r.pool.QueryRow(ctx, getPlatformAppSQL, providerSlug), "get platform oauth app")
}

func (r *PostgresOAuthAppRepo) Upsert(ctx context.Context, app oauth.App) (oauth.App, error) {
	clientIDJSON, err := json.Marshal(app.ClientID)
	if err != nil {
		return oauth.App{}, fmt.Errorf("encode client id: %w", err)
	}
	clientSecretJSON, err := json.Marshal(app.ClientSecret)
	if err != nil {
		return oauth.App{}, fmt.Errorf("encode client secret: %w", err)
	}
	settingsJSON, err := json.Marshal(orEmptyMap(app.Settings))
	if err != nil {
		return oauth.App{}, fmt.Errorf("encode settings: %w", err)
	}

	tag, err := r.pool.Exec(ctx, updateAppSQL,
		app.ProviderSlug, app.OrgID, clientIDJSON, clientSecretJSON, app.Scopes, settingsJSON, app.Active,
	)
	if err != nil {
		return oauth.App{}, fmt.Errorf("update oauth app: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err = r.pool.Exec(ctx, insertAppSQL,
			app.ID, app.ProviderSlug, app.OrgID, clientIDJSON, clientSecretJSON, app.Scopes, settingsJSON, app.Active,
		)
		if err != nil {
			return oauth.App{}, fmt.Errorf("insert oauth app: %w", err)
		}
	}
	return app, nil
}

func (r *PostgresOAuthAppRepo) scanApp(row pgx.Row, op string) (*oauth.App, error) {
	var (
		app              oauth.App
		clientIDJSON     []byte
		clientSecretJSON []byte
		settingsJSON     []byte
	)
	err := row.Scan(
		&app.ID, &app.ProviderSlug, &app.OrgID, &clientIDJSON, &clientSecretJSON,
		&app.Scopes, &settingsJSON, &app.Active, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(clientIDJSON, &app.ClientID); err != nil {
		return nil, fmt.Errorf("%s: decode client id: %w", op, err)
	}
	if err := json.Unmarshal(clientSecretJSON, &app.ClientSecret); err != nil {
		return nil, fmt.Errorf("%s: decode client secret: %w", op, err)
	}
	if len(settingsJSON) > 0 {
		_ = json.Unmarshal(settingsJSON, &app.Settings)
	}
	return &app, nil
}
