package store

import "strings"

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string. File paths select SQLite,
	// postgres:// URLs or key=value DSNs select PostgreSQL.
	DSN string
	// Driver forces a specific backend ("sqlite3" or "postgres") when the
	// DSN alone is ambiguous.
	Driver string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithSQLiteDSN configures an SQLite store at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN configures a PostgreSQL store with the given DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType inspects a DSN and reports "postgres" for PostgreSQL
// connection strings and "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New constructs a store from the provided options. A PostgreSQL DSN
// yields a PostgresStore, any other DSN an SQLiteStore, and no DSN at all
// an in-memory store suitable for tests and ephemeral runs.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if cfg.Driver == "postgres" || (cfg.Driver == "" && DetectDSNType(cfg.DSN) == "postgres") {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
