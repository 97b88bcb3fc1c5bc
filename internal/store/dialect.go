package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect isolates what differs between the production store (PostgreSQL)
// and the embedded one (SQLite). Queries are written with ? placeholders.
type dialect interface {
	driverName() string
	dataSource() string
	configure(db *sql.DB)
	rebind(query string) string
	stringsValue(v []string) interface{}
	stringsScanner(dst *[]string) interface{}
	// forUpdate is appended to reads that precede an update in the same transaction.
	forUpdate() string
	// lockMigrations blocks until the named cross-process lock is held.
	lockMigrations(ctx context.Context, db *sql.DB, id int64) (unlock func() error, err error)
	migrationDriver(db *sql.DB) (database.Driver, error)
	migrationsPath() string
}

func newDialect(opts Options) (dialect, error) {
	switch opts.Driver {
	case "postgres", "":
		return &postgresDialect{dsn: opts.DSN, maxOpen: opts.MaxOpenConns}, nil
	case "sqlite":
		return &sqliteDialect{path: opts.Path}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
}

// --- PostgreSQL ---

type postgresDialect struct {
	dsn     string
	maxOpen int
}

func (d *postgresDialect) driverName() string { return "postgres" }

func (d *postgresDialect) dataSource() string { return d.dsn }

func (d *postgresDialect) configure(db *sql.DB) {
	if d.maxOpen > 0 {
		db.SetMaxOpenConns(d.maxOpen)
		db.SetMaxIdleConns(d.maxOpen)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
}

func (d *postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *postgresDialect) stringsValue(v []string) interface{} {
	return pq.Array(v)
}

func (d *postgresDialect) stringsScanner(dst *[]string) interface{} {
	return pq.Array(dst)
}

func (d *postgresDialect) forUpdate() string { return " FOR UPDATE" }

func (d *postgresDialect) lockMigrations(ctx context.Context, db *sql.DB, id int64) (func() error, error) {
	// Session level lock: lock and unlock must run on the same connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", id, err)
	}
	return func() error {
		defer conn.Close()
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id); err != nil {
			return fmt.Errorf("advisory unlock %d: %w", id, err)
		}
		return nil
	}, nil
}

func (d *postgresDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

func (d *postgresDialect) migrationsPath() string { return "migrations/postgres" }

// --- SQLite ---

type sqliteDialect struct {
	path string
}

func (d *sqliteDialect) driverName() string { return "sqlite" }

func (d *sqliteDialect) dataSource() string {
	return d.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func (d *sqliteDialect) configure(db *sql.DB) {
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
}

func (d *sqliteDialect) rebind(query string) string { return query }

func (d *sqliteDialect) stringsValue(v []string) interface{} {
	return jsonStrings{v: &v}
}

func (d *sqliteDialect) stringsScanner(dst *[]string) interface{} {
	return jsonStrings{v: dst}
}

// Transactions begin immediate, so the database is already write locked.
func (d *sqliteDialect) forUpdate() string { return "" }

// lockMigrations uses a lock file next to the database, since SQLite has no
// advisory locks and other processes may open the same file.
func (d *sqliteDialect) lockMigrations(ctx context.Context, _ *sql.DB, id int64) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	fl := flock.New(fmt.Sprintf("%s.%d.lock", d.path, id))
	if _, err := fl.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return nil, fmt.Errorf("migration lock: %w", err)
	}
	return fl.Unlock, nil
}

func (d *sqliteDialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	return sqlite.WithInstance(db, &sqlite.Config{})
}

func (d *sqliteDialect) migrationsPath() string { return "migrations/sqlite" }

// jsonStrings stores an ordered string list as a JSON array in a TEXT column.
type jsonStrings struct {
	v *[]string
}

func (j jsonStrings) Value() (driver.Value, error) {
	if j.v == nil || *j.v == nil {
		return nil, nil
	}
	b, err := json.Marshal(*j.v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j jsonStrings) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j.v = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), j.v)
	case []byte:
		return json.Unmarshal(v, j.v)
	default:
		return fmt.Errorf("cannot scan %T into string list", src)
	}
}
