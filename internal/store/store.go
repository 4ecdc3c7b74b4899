package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup by primary key matches no row.
var ErrNotFound = errors.New("store: not found")

// Dialect identifies the SQL engine behind a Store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Querier is implemented by both *Store and *Tx so query helpers can run
// inside or outside a transaction. Queries use ? placeholders.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a database/sql handle for either SQLite or Postgres.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the database named by dsn and applies pending migrations.
// Accepted forms: sqlite:///abs/path.db, sqlite:relative.db, a bare file
// path, or a postgres:// / postgresql:// URL.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialect, target, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case DialectPostgres:
		if !hasSQLDriver("pgx") {
			return nil, errors.New("pgx SQL driver is not linked")
		}
		db, err = sql.Open("pgx", target)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err = sql.Open("sqlite3", sqliteDSN(target))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		if err := os.Chmod(target, 0o600); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("restrict database file: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("store opened", "dialect", dialect.String())
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports which engine backs the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Tx is a transaction bound to the owning store's dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// WithTx runs fn in a transaction, committing when fn returns nil. SQLite
// transactions take the write lock up front (_txlock=immediate), which makes
// read-then-update sequences inside fn atomic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }() // no-op after commit

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) rebind(query string) string { return rebind(s.dialect, query) }

// rebind rewrites ? placeholders to $n for Postgres. Queries in this module
// never contain a literal '?' inside string constants.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func parseDSN(dsn string) (Dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return 0, "", errors.New("database dsn is empty")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return 0, "", fmt.Errorf("parse sqlite dsn: %w", err)
		}
		path := u.Host + u.Path
		if path == "" {
			return 0, "", errors.New("sqlite dsn has no path")
		}
		return DialectSQLite, filepath.Clean(path), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return DialectSQLite, filepath.Clean(strings.TrimPrefix(dsn, "sqlite:")), nil
	case strings.Contains(dsn, "://"):
		return 0, "", fmt.Errorf("unsupported database dsn scheme: %s", strings.SplitN(dsn, "://", 2)[0])
	default:
		return DialectSQLite, filepath.Clean(dsn), nil
	}
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// UnixMillis converts t to the integer representation stored in the schema.
func UnixMillis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis is the inverse of UnixMillis and always returns UTC.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Dialect reports which engine the transaction runs on.
func (t *Tx) Dialect() Dialect { return t.dialect }
