// Command ledgerd serves the token economy ledger over HTTP and runs the
// scheduled reward rounds.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	app "github.com/R3E-Network/token_economy/internal/app"
	"github.com/R3E-Network/token_economy/internal/app/epoch"
	"github.com/R3E-Network/token_economy/internal/app/governance"
	"github.com/R3E-Network/token_economy/internal/app/httpapi"
	"github.com/R3E-Network/token_economy/internal/app/services/distribution"
	"github.com/R3E-Network/token_economy/internal/app/storage/postgres"
	"github.com/R3E-Network/token_economy/internal/config"
	"github.com/R3E-Network/token_economy/internal/platform/migrations"
	"github.com/R3E-Network/token_economy/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env", ".env", "optional env file loaded before the config")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.NewDefault("ledgerd").WithError(err).Fatal("load config")
	}
	log := logger.New("ledgerd", cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("ledgerd exited")
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	genesis, err := cfg.GenesisTime(time.Now())
	if err != nil {
		return err
	}
	policy, err := cfg.EmissionPolicy()
	if err != nil {
		return err
	}

	opts := app.Options{
		Clock:            epoch.NewClock(genesis, cfg.Epoch.Length),
		PinClock:         cfg.Epoch.Genesis != "",
		Rate:             cfg.Economy.Rate,
		Policy:           &policy,
		NewUserGrant:     cfg.Economy.NewUserGrant.Policy(),
		TargetGrant:      cfg.Economy.TargetGrant.Policy(),
		MinStake:         cfg.Economy.MinStake,
		RoundSchedule:    cfg.Distribution.Schedule,
		RoundTimeout:     cfg.Distribution.Timeout,
		SnapshotInterval: cfg.Distribution.SnapshotInterval,
	}
	if cfg.Governance.Secret != "" {
		opts.Authorizer = governance.NewVerifier([]byte(cfg.Governance.Secret), cfg.Governance.Issuer)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		opts.RoundLock = distribution.NewRedisLock(client, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		log.WithField("addr", cfg.Redis.Addr).Info("distribution rounds locked through redis")
	}

	var stores app.Stores
	if cfg.Database.DSN != "" {
		db, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLife)
		if cfg.Database.Migrate {
			if err := migrations.Up(db.DB); err != nil {
				return err
			}
		}
		store := postgres.New(db)
		stores = app.Stores{
			Activity:      store,
			Receipts:      store,
			Usage:         store,
			Subscriptions: store,
			Snapshots:     store,
		}
		log.Info("postgres persistence enabled")
	} else {
		log.Warn("DATABASE_URL not set; ledger state is kept in memory only")
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return err
	}
	if restored, err := application.Restore(ctx); err != nil {
		return err
	} else if restored {
		log.Info("ledger state restored")
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		RateLimit:  cfg.Server.RateLimit,
		Burst:      cfg.Server.Burst,
		AuditLimit: cfg.Server.AuditLimit,
		AuditPath:  cfg.Server.AuditPath,
		Log:        log.With("httpapi"),
	})
	if err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("ledgerd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	return serveErr
}
