// Package storage provides persistent storage for mostrond using
// SQLite, following this codebase's embedded-schema-string plus
// idempotent-migration pattern.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the coordinator's single relational database, holding
// orders, disputes, users (reputation), and solvers, per SPEC_FULL.md
// §6's "Persisted state".
type Storage struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (and if needed creates) the SQLite database at dsn.
func Open(dsn string) (*Storage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, for callers (tests, the admin
// control plane) that need a raw query.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,

		creator_pubkey TEXT NOT NULL,
		buyer_pubkey TEXT,
		seller_pubkey TEXT,
		master_buyer_pubkey TEXT,
		master_seller_pubkey TEXT,

		fiat_code TEXT NOT NULL,
		fiat_amount INTEGER NOT NULL DEFAULT 0,
		min_amount INTEGER NOT NULL DEFAULT 0,
		max_amount INTEGER NOT NULL DEFAULT 0,

		amount INTEGER NOT NULL DEFAULT 0,
		fee INTEGER NOT NULL DEFAULT 0,
		premium INTEGER NOT NULL DEFAULT 0,
		payment_method TEXT NOT NULL DEFAULT '',
		price_from_api INTEGER NOT NULL DEFAULT 0,

		hash TEXT,
		preimage TEXT,
		buyer_invoice TEXT,

		cancel_initiator_pubkey TEXT,
		buyer_cooperativecancel INTEGER NOT NULL DEFAULT 0,
		seller_cooperativecancel INTEGER NOT NULL DEFAULT 0,

		trade_index_buyer INTEGER NOT NULL DEFAULT 0,
		trade_index_seller INTEGER NOT NULL DEFAULT 0,

		parent_order_id TEXT,
		event_id TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_creator ON orders(creator_pubkey);
	CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_pubkey);
	CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_pubkey);
	CREATE INDEX IF NOT EXISTS idx_orders_hash ON orders(hash);
	CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(expires_at);

	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		solver_pubkey TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_disputes_order ON disputes(order_id);
	CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
	CREATE INDEX IF NOT EXISTS idx_disputes_solver ON disputes(solver_pubkey);

	CREATE TABLE IF NOT EXISTS solvers (
		pubkey TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL,
		added_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		pubkey TEXT PRIMARY KEY,
		total_rating_sum INTEGER NOT NULL DEFAULT 0,
		total_rating_count INTEGER NOT NULL DEFAULT 0,
		last_rated_order_id TEXT,
		last_trade_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_ratings (
		order_id TEXT NOT NULL,
		rater_pubkey TEXT NOT NULL,
		rated_pubkey TEXT NOT NULL,
		rating INTEGER NOT NULL,
		created_at INTEGER NOT NULL,

		PRIMARY KEY (order_id, rater_pubkey)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies additive ALTER TABLE statements for databases
// created by earlier schema versions. Errors are ignored since columns
// may already exist, matching this codebase's migration convention.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE users ADD COLUMN last_rated_order_id TEXT",
	}
	for _, m := range migrations {
		_, _ = s.db.Exec(m)
	}
	return nil
}
