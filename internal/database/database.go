package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"socialbridge/internal/constants"
	"socialbridge/internal/migrations"
	"socialbridge/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite document store behind every repository interface
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

// New opens (creating if needed) the database at dbPath, applies pending
// migrations and enables secret encryption when encryptionSecret is set.
func New(ctx context.Context, dbPath, encryptionSecret string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY between pool members
	db.SetMaxOpenConns(1)

	closeWith := func(err error) (*Database, error) {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return closeWith(fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := migrations.Apply(ctx, db); err != nil {
		return closeWith(fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := newEncryptor(encryptionSecret)
	if err != nil {
		return closeWith(fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: enc, now: time.Now}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable, used by health checks
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// EncryptionEnabled reports whether account secrets are sealed at rest
func (d *Database) EncryptionEnabled() bool {
	return d.encryptor.enabled()
}

func (d *Database) timestamp() time.Time {
	return d.now().UTC()
}

// scanner is implemented by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
