package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies all pending migrations from the given embedded filesystem.
// The URL must be a pgx5-compatible connection string.
func Migrate(fs embed.FS, dir, url string, logger *slog.Logger) error {
	source, err := iofs.New(fs, dir)
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}

	// golang-migrate addresses the pgx/v5 driver by its own scheme.
	migrateURL := strings.Replace(url, "postgres://", "pgx5://", 1)
	migrateURL = strings.Replace(migrateURL, "postgresql://", "pgx5://", 1)

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}
