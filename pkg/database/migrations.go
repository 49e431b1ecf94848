package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// RunMigrations applies pending schema migrations from migrationsPath.
// Idempotent: already-applied versions are skipped. golang-migrate requires a
// database/sql handle, which is why callers pass one instead of the pool.
func RunMigrations(db *sql.DB, migrationsPath string, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer closeMigrator(m, logger)

	switch err := m.Up(); {
	case err == nil:
		version, dirty, _ := m.Version()
		logger.Info("Schema migrations applied",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("Schema already up to date")
		return nil
	default:
		return fmt.Errorf("failed to run migrations: %w", err)
	}
}

func closeMigrator(m *migrate.Migrate, logger *zap.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Warn("Failed to close migration source", zap.Error(srcErr))
	}
	if dbErr != nil {
		logger.Warn("Failed to close migration database", zap.Error(dbErr))
	}
}
