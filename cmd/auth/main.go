package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/consultly/auth-service/internal/adapter/cache"
	"github.com/consultly/auth-service/internal/adapter/notify"
	oauthadapter "github.com/consultly/auth-service/internal/adapter/oauth"
	"github.com/consultly/auth-service/internal/bootstrap"
	"github.com/consultly/auth-service/internal/config"
	httptransport "github.com/consultly/auth-service/internal/http"
	"github.com/consultly/auth-service/internal/http/handler"
	httpmiddleware "github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/jwt"
	apimiddleware "github.com/consultly/auth-service/internal/middleware"
	"github.com/consultly/auth-service/internal/repository"
	"github.com/consultly/auth-service/internal/server"
	"github.com/consultly/auth-service/internal/service"
	"github.com/consultly/auth-service/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newClock,
			newPGXPool,
			newUserRepository,
			newProviderRepository,
			newMFARepository,
			newSessionRepository,
			newTrustedDeviceRepository,
			newTokenRepository,
			newKeyRepository,
			newRedisClient,
			newRedisStore,
			newChallengeStore,
			newSetupStore,
			newCodeStore,
			newAttemptLimiter,
			newOAuthStateStore,
			newOAuthProviderClient,
			newNotifySender,
			newRateLimiter,
			newKeyManager,
			newTokenGenerator,
			service.NewSessionService,
			service.NewMFAService,
			service.NewAuthService,
			service.NewOAuthService,
			handler.NewAuthHandler,
			handler.NewMFAHandler,
			handler.NewOAuthHandler,
			handler.NewSessionHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, startHTTPServer),
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
	node, err := snowflake.NewNode(1)
	return node, err
}

func newClock() clockwork.Clock {
	return clockwork.NewRealClock()
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

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newProviderRepository(pool *pgxpool.Pool) repository.ProviderRepository {
	return repository.NewPostgresProviderRepo(pool)
}

func newMFARepository(pool *pgxpool.Pool) repository.MFARepository {
	return repository.NewPostgresMFARepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newTrustedDeviceRepository(pool *pgxpool.Pool) repository.TrustedDeviceRepository {
	return repository.NewPostgresTrustedDeviceRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
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

func newRedisStore(client redis.UniversalClient) *cacheadapter.RedisStore {
	return cacheadapter.NewRedisStore(client)
}

func newChallengeStore(store *cacheadapter.RedisStore) repository.ChallengeStore {
	return store
}

func newSetupStore(store *cacheadapter.RedisStore) repository.SetupStore {
	return store
}

func newCodeStore(store *cacheadapter.RedisStore) repository.CodeStore {
	return store
}

func newAttemptLimiter(store *cacheadapter.RedisStore) repository.AttemptLimiter {
	return store
}

func newOAuthStateStore(store *cacheadapter.RedisStore) repository.OAuthStateStore {
	return store
}

func newOAuthProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil)
}

func newNotifySender(cfg config.Config, logger *zap.Logger) notify.Sender {
	return notify.NewWebhookSender(cfg.NotifyWebhookURL, nil, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newKeyManager(repo repository.KeyRepository, node *snowflake.Node) *jwt.KeyManager {
	return jwt.NewKeyManager(repo, node)
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config, clock clockwork.Clock) *jwt.Generator {
	return jwt.NewGenerator(manager, cfg.AccessTokenTTL, clock)
}

func newAuthMiddleware(tokens *jwt.Generator, cfg config.Config) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: tokens, Config: cfg}
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
