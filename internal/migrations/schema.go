package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// State describes the schema version recorded in the database.
type State struct {
	Version uint
	Dirty   bool
	Fresh   bool
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migrations: db cannot be nil")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		logger.Info().Uint("version", v).Msg("migrations: current database schema version")
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		logger.Info().Msg("migrations: no existing migration version (fresh database)")
	} else {
		logger.Warn().Err(verr).Msg("migrations: unable to determine current version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Uint("version", currentVersion).Msg("migrations: database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info().Uint("version", v).Msg("migrations: applied; new schema version")
	} else {
		logger.Warn().Err(err).Msg("migrations: applied but failed to read new version")
	}
	return nil
}

// Status reports the recorded schema version.
func Status(db *sql.DB) (State, error) {
	m, err := newMigrate(db)
	if err != nil {
		return State{}, err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return State{Fresh: true}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return State{Version: v, Dirty: dirty}, nil
}

// FixDirtyDatabase rolls the recorded version back one step and clears the
// dirty flag, so the failed migration runs again on the next Up. Every
// migration is written to be re-runnable.
func FixDirtyDatabase(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		return nil
	}

	target := int(v) - 1
	if target < 1 {
		target = -1
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	return nil
}

// ForceVersion sets the recorded version without running any migration.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}
