// Package runtime wires configuration, stores and the HTTP server into a
// runnable process.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/waggleworks/hivemarket/internal/app"
	"github.com/waggleworks/hivemarket/internal/app/httpapi"
	"github.com/waggleworks/hivemarket/internal/app/storage/postgres"
	"github.com/waggleworks/hivemarket/internal/app/storage/redisstore"
	"github.com/waggleworks/hivemarket/internal/config"
	"github.com/waggleworks/hivemarket/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	app    *app.Application
	server *http.Server
	db     *sqlx.DB
	redis  *redis.Client
}

// NewApplication constructs a fully wired application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires an application from an explicit config.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	var stores app.Stores
	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := postgres.Apply(ctx, db)
			cancel()
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pg := postgres.New(db)
		stores = app.Stores{
			Principals: pg,
			Ledger:     pg,
			Gigs:       pg,
			Escrows:    pg,
			Market:     pg,
			RateLimits: pg,
		}
	} else {
		log.Warn("no database DSN configured; using in-memory stores")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		stores.RateLimits = redisstore.New(redisClient)
	}

	application, err := app.New(stores, app.Options{
		ApprovalWindow: cfg.Market.ApprovalWindow,
		SweepSchedule:  cfg.Market.SweepSchedule,
		SignupBonus:    cfg.Market.SignupBonus,
		DisableSweeper: cfg.Market.DisableSweeper,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	handler := httpapi.NewHandler(application, httpapi.Config{
		SweepSecret:          cfg.Server.SweepSecret,
		RequireAPIKey:        cfg.Server.RequireAPIKey,
		AddressRatePerSecond: cfg.Server.AddressRatePerSecond,
		AddressBurst:         cfg.Server.AddressBurst,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:    cfg,
		log:    log,
		app:    application,
		server: server,
		db:     db,
		redis:  redisClient,
	}, nil
}

// Run starts the background services and the HTTP server, blocking until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Shutdown gracefully stops the HTTP server, the background services and
// the store connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
