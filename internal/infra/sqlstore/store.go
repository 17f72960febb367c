// Package sqlstore implements port.Store on database/sql. SQLite
// (modernc.org/sqlite) serves single-node deployments and development;
// PostgreSQL (lib/pq) serves production. Queries are written once with '?'
// placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
)

// Dialect selects placeholder style and error classification.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is a SQL-backed port.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database and creates the schema if needed.
// For sqlite, dsn is a file path; parent directories are created.
func Open(dialect Dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		full := dsn + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode()
		db, err = sql.Open("sqlite", full)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case DialectPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	s := New(db, dialect)
	if err := s.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// WithClock overrides the time source used for audit stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id               TEXT PRIMARY KEY,
	subdomain               TEXT NOT NULL UNIQUE,
	name                    TEXT NOT NULL DEFAULT '',
	owner_email             TEXT NOT NULL DEFAULT '',
	country                 TEXT NOT NULL DEFAULT '',
	plan                    TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL DEFAULT 'active',
	max_users               INTEGER NOT NULL DEFAULT 0,
	max_assets              INTEGER NOT NULL DEFAULT 0,
	max_work_orders         INTEGER NOT NULL DEFAULT 0,
	subscription_expires_at BIGINT,
	subscription_amount     DOUBLE PRECISION NOT NULL DEFAULT 0,
	subscription_frequency  TEXT NOT NULL DEFAULT '',
	previous_plan           TEXT NOT NULL DEFAULT '',
	suspended_at            BIGINT,
	suspension_reason       TEXT NOT NULL DEFAULT '',
	stats_users             INTEGER NOT NULL DEFAULT 0,
	stats_assets            INTEGER NOT NULL DEFAULT 0,
	stats_work_orders       INTEGER NOT NULL DEFAULT 0,
	stats_refreshed_at      BIGINT,
	version                 BIGINT NOT NULL DEFAULT 1,
	created_at              BIGINT NOT NULL,
	updated_at              BIGINT NOT NULL,
	updated_by              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                       TEXT PRIMARY KEY,
	external_reference       TEXT NOT NULL UNIQUE,
	processor                TEXT NOT NULL,
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	tenant_id                TEXT NOT NULL DEFAULT '',
	plan_id                  TEXT NOT NULL DEFAULT '',
	payer_email              TEXT NOT NULL DEFAULT '',
	payer_name               TEXT NOT NULL DEFAULT '',
	country                  TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	amount                   DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency                 TEXT NOT NULL DEFAULT '',
	frequency                TEXT NOT NULL DEFAULT '',
	synthesized              BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_reason            TEXT NOT NULL DEFAULT '',
	last_event_id            TEXT NOT NULL DEFAULT '',
	last_event_at            BIGINT,
	created_at               BIGINT NOT NULL,
	updated_at               BIGINT NOT NULL,
	activated_at             BIGINT,
	suspended_at             BIGINT,
	cancelled_at             BIGINT
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_provider ON subscriptions(processor, provider_subscription_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_email ON subscriptions(payer_email);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

CREATE TABLE IF NOT EXISTS admin_users (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	email                TEXT NOT NULL UNIQUE,
	name                 TEXT NOT NULL DEFAULT '',
	password_hash        TEXT NOT NULL DEFAULT '',
	role                 TEXT NOT NULL,
	must_change_password BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_admin_users_tenant ON admin_users(tenant_id);

CREATE TABLE IF NOT EXISTS webhook_events (
	processor    TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	provider_ref TEXT NOT NULL DEFAULT '',
	received_at  BIGINT NOT NULL,
	processed_at BIGINT,
	outcome      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (processor, event_id)
);

CREATE TABLE IF NOT EXISTS assets (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_tenant ON assets(tenant_id);

CREATE TABLE IF NOT EXISTS work_orders (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_orders_tenant ON work_orders(tenant_id);
`

// InitSchema creates tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for tests and seeding.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
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

// isUniqueViolation classifies duplicate-key errors for both drivers.
func (s *Store) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------- value helpers ----------

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// columnValue converts a patch value into a driver value.
func columnValue(v any) any {
	switch tv := v.(type) {
	case *time.Time:
		return nullableMillis(tv)
	case time.Time:
		return millis(tv)
	}
	return v
}

// setClause renders "a = ?, b = ?" for cols in a stable order.
func setClause(cols map[string]any) (string, []any) {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+" = ?")
		args = append(args, columnValue(cols[n]))
	}
	return strings.Join(parts, ", "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// mapErr turns sql.ErrNoRows into a domain not-found error.
func mapErr(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ErrNotFound{Resource: resource, ID: id}
	}
	return err
}
