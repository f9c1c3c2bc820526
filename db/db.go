// Package db persists the bot's local state: the logged-in session token
// (encrypted when ENCRYPTION_KEY is set), an archive of chat lines and a
// small key/value table. A postgres:// DSN selects Postgres through pgx;
// anything else is treated as a SQLite file path.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure Go SQLite driver registered as 'sqlite'

	"github.com/onnwee/seraphbot/crypto"
)

// Dialect names the SQL flavour behind a Store.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectFor picks the dialect from a DSN.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Store wraps the connection pool and the optional token encryptor.
type Store struct {
	db      *sql.DB
	dsn     string
	dialect Dialect
	enc     crypto.Encryptor
}

// Open connects to dsn and verifies the connection. enc may be nil, in
// which case tokens are stored in plaintext.
func Open(ctx context.Context, dsn string, enc crypto.Encryptor) (*Store, error) {
	dialect := DialectFor(dsn)
	var (
		sqldb *sql.DB
		err   error
	)
	switch dialect {
	case Postgres:
		sqldb, err = sql.Open("pgx", dsn)
	default:
		sqldb, err = openSQLite(dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if dialect == SQLite {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := sqldb.ExecContext(ctx, p); err != nil {
				_ = sqldb.Close()
				return nil, fmt.Errorf("failed to set pragma: %w", err)
			}
		}
	}
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, session tokens will be stored in plaintext", slog.String("component", "db"))
	}
	slog.Info("database opened", slog.String("dialect", string(dialect)), slog.String("component", "db"))
	return &Store{db: sqldb, dsn: dsn, dialect: dialect, enc: enc}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps :memory: databases on a single connection.
	sqldb.SetMaxOpenConns(1)
	return sqldb, nil
}

// DB exposes the pool for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which driver backs the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for SQLite. Queries must use each
// placeholder once, in order.
func (s *Store) rebind(q string) string {
	if s.dialect != SQLite {
		return q
	}
	return placeholder.ReplaceAllString(q, "?")
}
