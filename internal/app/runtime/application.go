package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	app "github.com/tonfarm/farming_layer/internal/app"
	"github.com/tonfarm/farming_layer/internal/app/httpapi"
	farmingsvc "github.com/tonfarm/farming_layer/internal/app/services/farming"
	referralsvc "github.com/tonfarm/farming_layer/internal/app/services/referral"
	"github.com/tonfarm/farming_layer/internal/app/storage/postgres"
	"github.com/tonfarm/farming_layer/internal/config"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
	redis      *redis.Client
}

// NewApplication constructs a new application instance with default wiring.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	opts, redisClient, err := buildOptions(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure services: %w", err)
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return nil, fmt.Errorf("assemble application: %w", err)
	}

	handler := httpapi.NewHandler(application, httpapi.AuthConfig{
		JWTSecret:    cfg.Auth.JWTSecret,
		WatcherToken: cfg.Auth.WatcherToken,
		RatePerSec:   cfg.Server.RateLimitPerSec,
		RateBurst:    cfg.Server.RateLimitBurst,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpSrv,
		db:         db,
		redis:      redisClient,
	}, nil
}

func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_DSN not set, using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	return app.Stores{Accounts: store, Ledger: store, Farming: store}, db, nil
}

func buildOptions(cfg *config.Config, log *logger.Logger) (app.Options, *redis.Client, error) {
	baseRates, err := cfg.Economics.BaseRateTable()
	if err != nil {
		return app.Options{}, nil, err
	}
	packages, err := cfg.Economics.PackageTable()
	if err != nil {
		return app.Options{}, nil, err
	}
	levelRates, err := cfg.Economics.ReferralRates()
	if err != nil {
		return app.Options{}, nil, err
	}
	minCredit, err := config.Amount(cfg.Economics.MinCredit)
	if err != nil {
		return app.Options{}, nil, fmt.Errorf("min_credit: %w", err)
	}
	dailyBonus, err := config.Amount(cfg.Economics.DailyBonus)
	if err != nil {
		return app.Options{}, nil, fmt.Errorf("daily_bonus: %w", err)
	}

	var redisClient *redis.Client
	var lease farmingsvc.Lease
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lease = farmingsvc.NewRedisLease(redisClient)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis accrual lease")
	} else {
		lease = farmingsvc.NewLocalLease(clockwork.NewRealClock())
	}

	return app.Options{
		FarmingConfig: farmingsvc.Config{
			BaseRates: baseRates,
			Packages:  packages,
			MinCredit: minCredit,
		},
		ReferralConfig: referralsvc.Config{
			LevelRates: levelRates,
			MaxDepth:   cfg.Economics.Referral.MaxDepth,
		},
		SchedulerConfig: farmingsvc.SchedulerConfig{
			Schedule:       cfg.Scheduler.Schedule,
			TickBudget:     cfg.Scheduler.TickBudget,
			LeaseTTL:       cfg.Scheduler.LeaseTTL,
			PendingTimeout: cfg.Scheduler.PendingTimeout,
		},
		DailyBonus: dailyBonus,
		Lease:      lease,
	}, redisClient, nil
}

// Run starts the background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Shutdown gracefully stops the HTTP server, background services, and
// connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := a.app.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
