// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "channels.db"

// Storage provides persistent storage for channels and their payment ledger.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

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

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- One row per channel, mirrored independently by each party.
	-- Balances are from this node's point of view.
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		local_peer_id TEXT NOT NULL,
		remote_peer_id TEXT NOT NULL,

		-- Compressed pubkeys (hex). initiator fixes the multisig key order:
		-- the funder's key always comes first.
		local_pubkey TEXT NOT NULL,
		remote_pubkey TEXT NOT NULL,
		initiator INTEGER NOT NULL DEFAULT 0,

		state TEXT NOT NULL DEFAULT 'pending',
		canceled INTEGER NOT NULL DEFAULT 0,

		capacity INTEGER NOT NULL,
		local_balance INTEGER NOT NULL,
		remote_balance INTEGER NOT NULL,
		sequence_number INTEGER NOT NULL DEFAULT 0,

		funding_txid TEXT,
		funding_vout INTEGER NOT NULL DEFAULT 0,

		-- Dispute window deadline (unix seconds)
		nlocktime INTEGER NOT NULL,

		-- Counterparty signature over our latest fully signed commitment
		-- and the balances that commitment pays.
		remote_sig TEXT,
		remote_sig_sequence INTEGER NOT NULL DEFAULT 0,
		signed_local_balance INTEGER NOT NULL DEFAULT 0,
		signed_remote_balance INTEGER NOT NULL DEFAULT 0,

		close_txid TEXT,

		-- Unix milliseconds
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,

		CHECK (local_balance + remote_balance = capacity)
	);

	CREATE INDEX IF NOT EXISTS idx_channels_state ON channels(state);
	CREATE INDEX IF NOT EXISTS idx_channels_remote_peer ON channels(remote_peer_id);

	-- Append-only payment ledger. sequence is the channel sequence number
	-- the payment produced.
	CREATE TABLE IF NOT EXISTS payments (
		channel_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		direction TEXT NOT NULL,
		signature TEXT,
		timestamp INTEGER NOT NULL,

		PRIMARY KEY (channel_id, sequence),
		FOREIGN KEY (channel_id) REFERENCES channels(id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
