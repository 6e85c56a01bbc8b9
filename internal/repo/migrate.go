package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"omnidesk/migrations"
)

// ApplyPostgresMigrations runs the embedded postgres migrations against the pool.
func ApplyPostgresMigrations(pool *pgxpool.Pool, filesystem fs.FS, logger *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create pgx migrate driver: %w", err)
	}
	return runMigrations(filesystem, migrations.PostgresDir, "pgx5", driver, logger)
}

// ApplySQLiteMigrations runs the embedded sqlite migrations against db.
func ApplySQLiteMigrations(db *sql.DB, filesystem fs.FS, logger *slog.Logger) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	return runMigrations(filesystem, migrations.SQLiteDir, "sqlite", driver, logger)
}

func runMigrations(filesystem fs.FS, dir, driverName string, driver database.Driver, logger *slog.Logger) error {
	source, err := iofs.New(filesystem, dir)
	if err != nil {
		return fmt.Errorf("open migration source %s: %w", dir, err)
	}

	// The migrator is not closed: that would close the caller's *sql.DB.
	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("no migrations to apply", "driver", driverName)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied", "driver", driverName)
	return nil
}
