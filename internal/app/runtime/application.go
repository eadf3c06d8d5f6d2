// Package runtime boots the veild process: configuration, storage
// selection, application wiring, and the HTTP server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/veiljournal/veil/internal/app"
	"github.com/veiljournal/veil/internal/app/httpapi"
	"github.com/veiljournal/veil/internal/app/services/governor"
	"github.com/veiljournal/veil/internal/app/services/inference"
	"github.com/veiljournal/veil/internal/app/services/maintenance"
	"github.com/veiljournal/veil/internal/app/services/moderation"
	"github.com/veiljournal/veil/internal/app/storage"
	"github.com/veiljournal/veil/internal/app/storage/postgres"
	"github.com/veiljournal/veil/internal/config"
	"github.com/veiljournal/veil/internal/platform/migrations"
	"github.com/veiljournal/veil/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg         *config.Config
	log         *logger.Logger
	app         *app.Application
	httpServer  *http.Server
	redisClient *redis.Client
}

// NewApplication constructs a runnable process from the configuration at
// configPath; an empty path selects the default location.
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging)

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("configure storage: %w", err)
	}

	cache, redisClient := buildCache(cfg.Cache, log)

	opts := app.Options{
		Store:         store,
		Cache:         cache,
		BudgetCapEUR:  cfg.Budget.MonthlyCapEUR,
		BudgetWarnEUR: cfg.Budget.MonthlyWarnEUR,
		Governor: governor.Config{
			CacheTTL:          time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			Temperature:       cfg.Inference.Temperature,
			AnalysisMaxTokens: cfg.Inference.AnalysisMaxTokens,
			QuickMaxTokens:    cfg.Inference.QuickMaxTokens,
		},
		Maintenance: maintenance.Config{
			SweepSchedule:    cfg.Maintenance.SweepSchedule,
			SnapshotSchedule: cfg.Maintenance.SnapshotSchedule,
		},
		AuditLogPath: cfg.Audit.LogPath,
	}

	if cfg.Inference.APIKey != "" {
		client, err := inference.NewClient(
			&http.Client{Timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second},
			cfg.Inference.BaseURL, cfg.Inference.APIKey, cfg.Inference.Model, log,
		)
		if err != nil {
			return nil, fmt.Errorf("configure inference client: %w", err)
		}
		opts.Inference = client
	}
	if cfg.Moderation.APIKey != "" {
		client, err := moderation.NewClient(
			&http.Client{Timeout: time.Duration(cfg.Moderation.TimeoutSeconds) * time.Second},
			cfg.Moderation.BaseURL, cfg.Moderation.APIKey, log,
		)
		if err != nil {
			return nil, fmt.Errorf("configure moderation client: %w", err)
		}
		opts.Moderator = client
	}

	application, err := app.New(ctx, opts, log)
	if err != nil {
		return nil, err
	}

	handler := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:     cfg.Auth.JWTSecret,
		RatePerMinute: cfg.RateLimit.PerMinute,
		RateBurst:     cfg.RateLimit.Burst,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	return &Application{
		cfg:         cfg,
		log:         log,
		app:         application,
		httpServer:  httpSrv,
		redisClient: redisClient,
	}, nil
}

// App exposes the wired application, mainly for tests.
func (a *Application) App() *app.Application { return a.app }

// Run starts the background services and the HTTP server, then blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr())
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server, stops the services, and closes storage.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := a.app.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
	}
	if err := a.app.Store.Close(); err != nil {
		a.log.WithError(err).Warn("error closing storage")
	}
	return firstErr
}

// openStore selects Postgres when a DSN is configured. Without one it
// returns nil and app.New falls back to the in-memory store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (storage.Store, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrations.Apply(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("connected to postgres")
	return postgres.New(db), nil
}

// buildCache selects Redis when an address is configured and the in-process
// LRU otherwise. The redis client is returned so Shutdown can close it.
func buildCache(cfg config.CacheConfig, log *logger.Logger) (governor.Cache, *redis.Client) {
	if cfg.RedisAddr == "" {
		return governor.NewMemoryCache(cfg.Capacity), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.WithField("addr", cfg.RedisAddr).Info("using redis response cache")
	return governor.NewRedisCache(client, log), client
}
