package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"socialbridge/internal/migrations"
	"socialbridge/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	dbPath = flag.String("db", "./socialbridge.db", "Path to the database file")
	status = flag.Bool("status", false, "List migrations and whether they are applied, without changing anything")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dbPath, *status, os.Stdout, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

func run(ctx context.Context, path string, statusOnly bool, out io.Writer, logger *logrus.Logger) error {
	if err := security.ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("database file not found: %s", path)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if statusOnly {
		return printStatus(ctx, db, out)
	}

	applied, err := migrations.Apply(ctx, db)
	for _, version := range applied {
		logger.WithField("version", version).Info("Applied migration")
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("Schema is up to date")
	}
	return nil
}

func printStatus(ctx context.Context, db *sql.DB, out io.Writer) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}

	applied := map[int]bool{}
	var exists int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists > 0 {
		if applied, err = migrations.AppliedVersions(ctx, db); err != nil {
			return err
		}
	}

	for _, m := range all {
		state := "pending"
		if applied[m.Version] {
			state = "applied"
		}
		fmt.Fprintf(out, "%4d  %-8s %s\n", m.Version, state, m.Name)
	}
	return nil
}
