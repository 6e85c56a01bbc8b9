package migrations

import "embed"

// Files exposes embedded SQL migration files, one directory per database driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

const (
	// PostgresDir holds golang-migrate files for the pgx driver.
	PostgresDir = "postgres"
	// SQLiteDir holds golang-migrate files for the sqlite driver.
	SQLiteDir = "sqlite"
)
