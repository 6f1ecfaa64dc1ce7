package migrations

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ms-auction/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/uptrace/bun"
)

// MigrateOptions controls how the lots and bids schema is brought up at startup.
type MigrateOptions struct {
	MigrationsDir string
	AutoMigrate   bool
}

func DefaultOptions() MigrateOptions {
	return MigrateOptions{MigrationsDir: "./migrations", AutoMigrate: true}
}

// Runner applies migrations/*.sql with golang-migrate over the store's connection.
type Runner struct {
	bunDB    *bun.DB
	options  MigrateOptions
	logger   *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(bunDB *bun.DB, opts MigrateOptions, log *logger.Logger) *Runner {
	return &Runner{bunDB: bunDB, options: opts, logger: log}
}

func (r *Runner) open(ctx context.Context) error {
	if r.migrator != nil {
		return nil
	}
	if _, err := os.Stat(r.options.MigrationsDir); err != nil {
		return fmt.Errorf("migrations directory %s: %w", r.options.MigrationsDir, err)
	}

	// A dedicated conn, so closing the driver leaves the shared pool open.
	conn, err := r.bunDB.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve migration connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+r.options.MigrationsDir, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	r.migrator = m
	return nil
}

// RunMigrations brings the schema to the latest version. A version left dirty by a
// crashed run is forced clean first.
func (r *Runner) RunMigrations(ctx context.Context) error {
	if !r.options.AutoMigrate {
		r.logger.Info("DATABASE", "Auto migration disabled, skipping")
		return nil
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	version, dirty, err := r.migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		r.logger.Warn("DATABASE", fmt.Sprintf("Schema version %d is dirty, forcing", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force schema version %d: %w", version, err)
		}
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if version, _, err = r.migrator.Version(); err == nil {
		r.logger.LogDatabase("MIGRATE", "lots,bids", fmt.Sprintf("Schema at version %d", version))
	}
	return nil
}

// Close releases the migration source and returns its connection to the pool.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	srcErr, dbErr := r.migrator.Close()
	r.migrator = nil
	return errors.Join(srcErr, dbErr)
}
