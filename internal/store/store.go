// Package store provides storage backends for Courier.
//
// SQLite is the default durable backend; PostgreSQL is selected when the DSN looks like a
// Postgres connection string. An in-memory JobRepo is available for non-durable setups.
package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (or file: URI).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN type names returned by DetectDSNType. They double as database/sql driver names.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports whether dsn addresses PostgreSQL or SQLite.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	// libpq key=value form
	for _, key := range []string{"host=", "dbname=", "sslmode="} {
		if strings.Contains(lower, key) {
			return DSNTypePostgres
		}
	}
	return DSNTypeSQLite
}

// Store is the full persistence surface used by Courier.
type Store interface {
	JobRepo
	EnvelopeRepo
	DedupRepo
	MessageRepo
	AttachmentRepo
	GroupRepo
	RecipientRepo
	KeyRepo
	Close() error
}

// Compile-time checks that both SQL backends implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// NewStore opens the backend matching the configured DSN.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		slog.Debug("NewStore: using PostgreSQL backend")
		return NewPostgresStore(opts...)
	default:
		slog.Debug("NewStore: using SQLite backend", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	}
}
