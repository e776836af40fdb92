package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"sirius-sound/migrations"
)

// MigratePostgres applies the embedded postgres migrations to databaseURL.
func MigratePostgres(ctx context.Context, databaseURL string, logger *slog.Logger) error {
	return runMigrations(ctx, "postgres", pgxMigrateURL(databaseURL), logger)
}

// MigrateSQLite applies the embedded sqlite migrations to the database file at path.
func MigrateSQLite(ctx context.Context, path string, logger *slog.Logger) error {
	return runMigrations(ctx, "sqlite", "sqlite://"+path, logger)
}

// runMigrations opens its own connection through golang-migrate, so the
// repository pool is never closed by the migration driver.
func runMigrations(ctx context.Context, dir, url string, logger *slog.Logger) error {
	src, err := iofs.New(migrations.Files, dir)
	if err != nil {
		return fmt.Errorf("open %s migrations: %w", dir, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("close migrate", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- m.Up() }()

	select {
	case <-ctx.Done():
		m.GracefulStop <- true
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("database migrated", "driver", dir, "version", version, "dirty", dirty)
	return nil
}

func pgxMigrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
