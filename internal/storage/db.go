package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrDuplicatePosition is returned when a (deployment, signal) position
// already exists. Callers treat it as idempotent success.
var ErrDuplicatePosition = errors.New("position already exists for deployment and signal")

// ErrDuplicateAgentAddress is returned when an agent address insert would
// violate the per-(user, venue) or global-address uniqueness rules.
var ErrDuplicateAgentAddress = errors.New("agent address already registered")

// DB wraps the SQLite store behind the repo facade.
type DB struct {
	db *sql.DB
}

// NewDB opens (and migrates) the database at path. Use ":memory:" in tests.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		token_symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size_kind TEXT NOT NULL,
		size_value REAL NOT NULL,
		stop_loss_pct REAL NOT NULL DEFAULT 0,
		take_profit_pct REAL NOT NULL DEFAULT 0,
		trailing_pct REAL NOT NULL DEFAULT 0,
		leverage REAL NOT NULL DEFAULT 1,
		source_refs TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_wallet TEXT NOT NULL,
		safe_wallet TEXT NOT NULL,
		status TEXT NOT NULL,
		sub_active INTEGER NOT NULL DEFAULT 1,
		module_enabled INTEGER NOT NULL DEFAULT 1,
		enabled_venues TEXT NOT NULL DEFAULT '',
		profit_receiver TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_addresses (
		user_wallet TEXT NOT NULL,
		venue TEXT NOT NULL,
		address TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_wallet, venue)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_addresses_address ON agent_addresses(address);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		token_symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		qty REAL NOT NULL,
		leverage REAL NOT NULL DEFAULT 1,
		entry_tx_ref TEXT NOT NULL DEFAULT '',
		opened_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0,
		exit_price REAL NOT NULL DEFAULT 0,
		exit_tx_ref TEXT NOT NULL DEFAULT '',
		pnl REAL NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		trailing_enabled INTEGER NOT NULL DEFAULT 0,
		trailing_pct REAL NOT NULL DEFAULT 0,
		highest_price REAL NOT NULL DEFAULT 0,
		lowest_price REAL NOT NULL DEFAULT 0,
		entry_confirmed INTEGER NOT NULL DEFAULT 1,
		venue_trade_id TEXT NOT NULL DEFAULT '',
		venue_trade_index INTEGER NOT NULL DEFAULT -1
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_deployment_signal ON positions(deployment_id, signal_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

	CREATE TABLE IF NOT EXISTS venue_markets (
		venue TEXT NOT NULL,
		token_symbol TEXT NOT NULL,
		market_ref TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		min_position REAL NOT NULL DEFAULT 0,
		max_leverage REAL NOT NULL DEFAULT 1,
		synced_at INTEGER NOT NULL,
		PRIMARY KEY (venue, token_symbol)
	);

	CREATE TABLE IF NOT EXISTS token_registry (
		chain_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		address TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		PRIMARY KEY (chain_id, symbol)
	);

	CREATE TABLE IF NOT EXISTS billing_events (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		asset TEXT NOT NULL,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_billing_deployment ON billing_events(deployment_id);

	CREATE TABLE IF NOT EXISTS venue_volume (
		venue TEXT NOT NULL,
		day TEXT NOT NULL,
		volume REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (venue, day)
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns the current Unix timestamp (helper).
func Now() int64 {
	return time.Now().Unix()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
