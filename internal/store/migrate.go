package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// migrate brings the schema to the latest version. Unless forced, it runs
// under a named cross-process lock so concurrently starting instances wait
// for each other. The lock is released whatever the outcome.
func (s *Store) migrate(ctx context.Context, db *sql.DB) (err error) {
	if !s.opts.ForceMigrate {
		unlock, err := s.dialect.lockMigrations(ctx, db, s.opts.MigrationLockID)
		if err != nil {
			return err
		}
		defer func() {
			if uerr := unlock(); uerr != nil {
				s.log.Warn().Err(uerr).Int64("lock", s.opts.MigrationLockID).Msg("release migration lock")
			}
		}()
	}

	// migrate closes the database it was handed, so it gets a pool of its own.
	mdb, err := sql.Open(s.dialect.driverName(), s.dialect.dataSource())
	if err != nil {
		return fmt.Errorf("open migration db: %w", err)
	}
	s.dialect.configure(mdb)
	defer mdb.Close()

	src, err := iofs.New(migrationsFS, s.dialect.migrationsPath())
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := s.dialect.migrationDriver(mdb)
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, s.dialect.driverName(), driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	s.log.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema migrated")
	return nil
}

// Migrate connects and migrates regardless of FailOnMigrationError, returning
// the migration outcome. Used by the migrate command.
func (s *Store) Migrate(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		return s.migrate(ctx, db)
	})
}
