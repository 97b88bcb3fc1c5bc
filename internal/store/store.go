// Package store is the persistence gateway of workflowd.
//
// A Store owns one connection pool to the shared relational store (PostgreSQL
// in production, SQLite for single node setups and tests). Every public
// operation runs through the resilience wrapper, so a dropped connection is
// re-established and the operation re-issued transparently. Every write
// commits its own short transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/config"
	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/resilience"
)

// Options configures a Store.
type Options struct {
	Driver string
	DSN    string
	Path   string

	MigrationLockID      int64
	ForceMigrate         bool
	FailOnMigrationError bool
	MaxOpenConns         int

	Retry config.RetryConfig
}

// OptionsFromConfig builds store options from the daemon configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Driver:               cfg.Database.Driver,
		DSN:                  cfg.Database.DSN,
		Path:                 cfg.Database.Path,
		MigrationLockID:      cfg.Database.MigrationLockID,
		ForceMigrate:         cfg.Database.ForceMigrate,
		FailOnMigrationError: cfg.Database.FailOnMigrationError,
		MaxOpenConns:         cfg.Database.MaxOpenConns,
		Retry:                cfg.Retry,
	}
}

// Store provides access to the workflow database.
type Store struct {
	opts    Options
	dialect dialect
	policy  resilience.Policy
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu sync.RWMutex
	db *sql.DB
}

// New creates a Store. It does not connect; call Connect, or let the first
// operation connect lazily.
func New(opts Options, log zerolog.Logger, m *metrics.Metrics) (*Store, error) {
	d, err := newDialect(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{
		opts:    opts,
		dialect: d,
		log:     log.With().Str("component", "store").Logger(),
		metrics: m,
	}

	s.policy = resilience.DefaultPolicy(IsConnectivityError)
	if opts.Retry.MaxAttempts > 0 {
		s.policy.MaxAttempts = opts.Retry.MaxAttempts
	}
	if opts.Retry.InitialInterval > 0 {
		s.policy.InitialInterval = opts.Retry.InitialInterval
	}
	if opts.Retry.MaxInterval > 0 {
		s.policy.MaxInterval = opts.Retry.MaxInterval
	}
	if opts.Retry.Multiplier >= 1 {
		s.policy.Multiplier = opts.Retry.Multiplier
	}
	s.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.metrics.Reconnect()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("storage unreachable, reconnecting")
	}
	return s, nil
}

// Connect opens the connection pool and brings the schema up to date.
// Connecting an already connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	return s.connectLocked(ctx)
}

func (s *Store) connectLocked(ctx context.Context) error {
	db, err := sql.Open(s.dialect.driverName(), s.dialect.dataSource())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	s.dialect.configure(db)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping db: %w", err)
	}

	if err := s.migrate(ctx, db); err != nil {
		if IsConnectivityError(err) {
			db.Close()
			return err
		}
		s.log.Error().Err(err).Msg("schema migration failed")
		if s.opts.FailOnMigrationError {
			var result *multierror.Error
			result = multierror.Append(result, fmt.Errorf("migrate: %w", err))
			if cerr := db.Close(); cerr != nil {
				result = multierror.Append(result, fmt.Errorf("close db: %w", cerr))
			}
			return result.ErrorOrNil()
		}
	}

	s.db = db
	s.log.Debug().Str("driver", s.dialect.driverName()).Msg("connected")
	return nil
}

// Disconnect releases the connection pool. In-flight transactions are
// rolled back by the driver when their connection closes.
func (s *Store) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Store) disconnectLocked() error {
	if s.db == nil {
		return nil
	}
	var result *multierror.Error
	if s.dialect.driverName() == config.DriverSQLite {
		// Fold the WAL back into the main file so copies of it are complete.
		if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			result = multierror.Append(result, fmt.Errorf("checkpoint: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close db: %w", err))
	}
	s.db = nil
	return result.ErrorOrNil()
}

// IsConnected probes the connection with a single statement.
func (s *Store) IsConnected(ctx context.Context) bool {
	db := s.handle()
	if db == nil {
		return false
	}
	var one int
	return db.QueryRowContext(ctx, `SELECT 1`).Scan(&one) == nil
}

// Reconnect drops the current pool, if any, and connects again.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.disconnectLocked(); err != nil {
		s.log.Debug().Err(err).Msg("dropping broken connection")
	}
	return s.connectLocked(ctx)
}

func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// run executes fn through the resilience wrapper.
func (s *Store) run(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	return resilience.Run(ctx, s, s.policy, func(ctx context.Context) error {
		db := s.handle()
		if db == nil {
			return ErrNotConnected
		}
		return fn(ctx, db)
	})
}

// inTx executes fn inside one transaction that is re-issued as a whole on
// connectivity loss.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.run(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// insert runs an INSERT ... RETURNING id statement.
func (s *Store) insert(ctx context.Context, q querier, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, s.q(query+` RETURNING id`), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...interface{}) (int64, error) {
	res, err := q.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// dbTime normalizes timestamps to the precision both dialects keep.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dbTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// nullJSON passes raw JSON as text; lib/pq would send []byte as bytea.
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func fromNullJSON(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}
