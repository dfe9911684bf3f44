package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/trycompai/comp-sub003/internal/adapter/cache"
	"github.com/trycompai/comp-sub003/internal/adapter/cloud"
	oauthadapter "github.com/trycompai/comp-sub003/internal/adapter/oauth"
	"github.com/trycompai/comp-sub003/internal/async"
	"github.com/trycompai/comp-sub003/internal/bootstrap"
	"github.com/trycompai/comp-sub003/internal/config"
	httptransport "github.com/trycompai/comp-sub003/internal/http"
	"github.com/trycompai/comp-sub003/internal/http/handler"
	apimiddleware "github.com/trycompai/comp-sub003/internal/middleware"
	"github.com/trycompai/comp-sub003/internal/org"
	"github.com/trycompai/comp-sub003/internal/provider"
	"github.com/trycompai/comp-sub003/internal/repository"
	"github.com/trycompai/comp-sub003/internal/secret"
	"github.com/trycompai/comp-sub003/internal/server"
	"github.com/trycompai/comp-sub003/internal/service"
	"github.com/trycompai/comp-sub003/internal/telemetry"
	"github.com/trycompai/comp-sub003/internal/webhook"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newCipher,
			provider.NewRegistry,
			newOrgRepository,
			newConnectionRepository,
			newCredentialVersionRepository,
			newOAuthAppRepository,
			newRedisClient,
			newStateStore,
			newProviderClient,
			newRateLimiter,
			newSubmitter,
			newRoleValidator,
			org.NewResolver,
			newVault,
			newAppResolver,
			newFlowCoordinator,
			newRefreshPolicy,
			newConnectionService,
			newWebhookVerifier,
			handler.NewIntegrationsHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsurePlatformApps, bootstrap.StartStateSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newCipher(cfg config.Config) (*secret.Cipher, error) {
	return secret.NewCipher(cfg.EncryptionSecret)
}

func newOrgRepository(pool *pgxpool.Pool) repository.OrgRepository {
	return repository.NewPostgresOrgRepo(pool)
}

func newConnectionRepository(pool *pgxpool.Pool) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool)
}

func newCredentialVersionRepository(pool *pgxpool.Pool) repository.CredentialVersionRepository {
	return repository.NewPostgresCredentialVersionRepo(pool)
}

func newOAuthAppRepository(pool *pgxpool.Pool) repository.OAuthAppRepository {
	return repository.NewPostgresOAuthAppRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newSubmitter(lc fx.Lifecycle, logger *zap.Logger) *async.Submitter {
	submitter := async.NewSubmitter(logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return submitter.Shutdown(ctx)
		},
	})
	return submitter
}

// newRoleValidator is optional wiring: role assumption stays disabled until an
// intermediary role is configured.
func newRoleValidator(cfg config.Config, logger *zap.Logger) (service.RoleValidator, error) {
	if cfg.IntermediaryRoleARN == "" {
		logger.Info("cloud role assumption disabled, no intermediary role configured")
		return nil, nil
	}
	assumer, err := cloud.NewRoleAssumer(context.Background(), cfg.IntermediaryRoleARN, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("role assumer init: %w", err)
	}
	return assumer, nil
}

func newVault(
	cipher *secret.Cipher,
	connections repository.ConnectionRepository,
	versions repository.CredentialVersionRepository,
	node *snowflake.Node,
	logger *zap.Logger,
) *service.Vault {
	return service.NewVault(cipher, connections, versions, node, logger)
}

func newAppResolver(
	apps repository.OAuthAppRepository,
	registry *provider.Registry,
	cipher *secret.Cipher,
	logger *zap.Logger,
) *service.AppResolver {
	return service.NewAppResolver(apps, registry, cipher, logger)
}

func newFlowCoordinator(
	registry *provider.Registry,
	resolver *service.AppResolver,
	states repository.StateStore,
	providerClient oauthadapter.ProviderClient,
	vault *service.Vault,
	connections repository.ConnectionRepository,
	orgs repository.OrgRepository,
	tasks *async.Submitter,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *service.FlowCoordinator {
	return service.NewFlowCoordinator(registry, resolver, states, providerClient, vault, connections, orgs, tasks, node, cfg, logger)
}

func newRefreshPolicy(
	registry *provider.Registry,
	resolver *service.AppResolver,
	providerClient oauthadapter.ProviderClient,
	vault *service.Vault,
	connections repository.ConnectionRepository,
	logger *zap.Logger,
) *service.RefreshPolicy {
	return service.NewRefreshPolicy(registry, resolver, providerClient, vault, connections, logger)
}

func newConnectionService(
	registry *provider.Registry,
	resolver *service.AppResolver,
	providerClient oauthadapter.ProviderClient,
	vault *service.Vault,
	connections repository.ConnectionRepository,
	roles service.RoleValidator,
	logger *zap.Logger,
) *service.ConnectionService {
	return service.NewConnectionService(registry, resolver, providerClient, vault, connections, roles, logger)
}

func newWebhookVerifier(
	registry *provider.Registry,
	connections repository.ConnectionRepository,
	logger *zap.Logger,
) *webhook.Verifier {
	return webhook.NewVerifier(registry, connections, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
