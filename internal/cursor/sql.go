package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open Postgres connections
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle Postgres connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// DefaultSQLiteBusyTimeoutMS lets concurrent processes wait on the SQLite write lock
	DefaultSQLiteBusyTimeoutMS = 5000
)

const kvMigration = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_kv_store_expires_at ON kv_store (expires_at);
`

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLKV implements KV on a single table in SQLite or PostgreSQL.
// Expiry is stored as epoch milliseconds and enforced on read; PurgeExpired
// removes dead rows.
type SQLKV struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Compile-time checks
var (
	_ KV     = (*SQLKV)(nil)
	_ Purger = (*SQLKV)(nil)
)

// NewSQLiteKV opens (creating if needed) a SQLite database at path.
func NewSQLiteKV(path string) (*SQLKV, error) {
	if path == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := sqliteDSN(path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes writers inside the process; other
	// processes wait on the busy timeout.
	db.SetMaxOpenConns(1)

	kv, err := newSQLKV(db, dialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite cursor store ready", "path", path)
	return kv, nil
}

// NewPostgresKV connects to PostgreSQL using dsn.
func NewPostgresKV(dsn string) (*SQLKV, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	kv, err := newSQLKV(db, dialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres cursor store ready")
	return kv, nil
}

func newSQLKV(db *sql.DB, d dialect) (*SQLKV, error) {
	if err := db.Ping(); err != nil {
		return nil, unavailable("ping", err)
	}
	if _, err := db.Exec(kvMigration); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLKV{db: db, dialect: d, now: time.Now}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, DefaultSQLiteBusyTimeoutMS)
}

// SetClock overrides the time source used for expiry (tests).
func (s *SQLKV) SetClock(now func() time.Time) {
	s.now = now
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLKV) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLKV) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *SQLKV) expiry(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM kv_store WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`),
		key, s.nowMS(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return value, true, nil
}

func (s *SQLKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`),
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *SQLKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// Insert, or take over a row whose expiry has passed, in one statement.
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= ?`),
		key, value, s.expiry(ttl), s.nowMS(),
	)
	if err != nil {
		return false, unavailable("setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("setnx rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLKV) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv_store WHERE key = ?`), key); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *SQLKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv_store WHERE key = ? AND value = ?`), key, expected)
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("compare-and-delete rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLKV) SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE CAST(kv_store.value AS BIGINT) < CAST(excluded.value AS BIGINT)
		    OR (kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= ?)`),
		key, strconv.FormatInt(value, 10), s.expiry(ttl), s.nowMS(),
	)
	if err != nil {
		return false, unavailable("set-if-greater", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("set-if-greater rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var expiresAt sql.NullInt64
	now := s.nowMS()
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT expires_at FROM kv_store WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`),
		key, now,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("ttl", err)
	}
	if !expiresAt.Valid {
		return -1, true, nil
	}
	return time.Duration(expiresAt.Int64-now) * time.Millisecond, true, nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (s *SQLKV) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?`), s.nowMS())
	if err != nil {
		return 0, unavailable("purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLKV) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLKV) Close() error {
	slog.Debug("Closing cursor store database connection")
	return s.db.Close()
}
