package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/PortNumber53/credit-ledger/internal/billing"
	"github.com/PortNumber53/credit-ledger/internal/config"
	"github.com/PortNumber53/credit-ledger/internal/entitlement"
	"github.com/PortNumber53/credit-ledger/internal/httpserver"
	"github.com/PortNumber53/credit-ledger/internal/ledger"
	"github.com/PortNumber53/credit-ledger/internal/logging"
	"github.com/PortNumber53/credit-ledger/internal/migrations"
	"github.com/PortNumber53/credit-ledger/internal/store"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "server")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(log, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}

	var entOpts []entitlement.Option
	if cfg.RedisURL != "" {
		cache, err := entitlement.NewRedisCache(ctx, cfg.RedisURL, cfg.EntitlementCacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("entitlement cache disabled")
		} else {
			defer cache.Close()
			entOpts = append(entOpts, entitlement.WithCache(cache))
			log.Info().Dur("ttl", cfg.EntitlementCacheTTL).Msg("entitlement cache enabled")
		}
	}
	entitlements := entitlement.NewService(st, st, cfg.AdminAccountIDs, logger, entOpts...)

	processor := stripe.NewClient(cfg.StripeSecretKey, cfg.StripeTimeout, logger)
	if !processor.Configured() {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; subscription lookups will use webhook payloads")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; every webhook delivery will be rejected")
	}

	billingSvc := billing.NewService(st, processor, logger,
		billing.WithSignupBonus(cfg.SignupBonusTokens),
		billing.WithInvalidator(entitlements),
	)
	ledgerSvc := ledger.NewService(st, entitlements, logger)

	srv := httpserver.New(cfg, httpserver.Deps{
		Ledger:       ledgerSvc,
		Accounts:     billingSvc,
		Entitlements: entitlements,
		Events:       billingSvc,
		DB:           db,
		Logger:       logger,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("credit ledger starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, logger zerolog.Logger) error {
	log := logging.Component(logger, "migrations")
	err := migrations.Up(db, logger)
	if err == nil {
		return nil
	}

	var dirty migrate.ErrDirty
	if !errors.As(err, &dirty) {
		return err
	}

	log.Warn().Int("version", dirty.Version).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db, logger)
}

func logDBTarget(log zerolog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn not parseable)")
		return
	}
	log.Info().
		Str("db", name).
		Str("host", u.Hostname()).
		Str("database", strings.TrimPrefix(u.Path, "/")).
		Msg("database target")
}
