package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/credit-ledger/internal/config"
	"github.com/PortNumber53/credit-ledger/internal/logging"
	"github.com/PortNumber53/credit-ledger/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "console")
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, "console")
	log := logging.Component(logger, "dbtool")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		log.Info().Msg("applying migrations")
		if err := migrations.Up(db, logger); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
		log.Info().Msg("migrations applied successfully")

	case "fix":
		log.Info().Msg("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			log.Fatal().Err(err).Msg("failed to fix dirty database")
		}
		log.Info().Msg("database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			log.Fatal().Msgf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatal().Str("version", os.Args[2]).Msg("invalid version number")
		}
		log.Info().Uint("version", v).Msg("forcing database version")
		if err := migrations.ForceVersion(db, v); err != nil {
			log.Fatal().Err(err).Msg("failed to force version")
		}
		log.Info().Uint("version", v).Msg("database version forced")

	case "status":
		state, err := migrations.Status(db)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read migration status")
		}
		if state.Fresh {
			log.Info().Msg("no migrations applied")
			return
		}
		log.Info().Uint("version", state.Version).Bool("dirty", state.Dirty).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "usage: %s [up|fix|force <version>|status]\n", os.Args[0])
		os.Exit(1)
	}
}
