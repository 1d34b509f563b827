package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shruggr/headsync/metadata"
)

// Store is a SQLite-backed implementation of metadata.Store
type Store struct {
	db *sql.DB
}

// Config holds configuration for SQLite
type Config struct {
	DBPath string // Path to SQLite database file
}

// New creates a new SQLite-backed metadata store
func New(config *Config) (*Store, error) {
	if config.DBPath == "" {
		return nil, fmt.Errorf("DBPath is required")
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the necessary tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS tip (
		id         INTEGER PRIMARY KEY CHECK (id = 0),
		height     INTEGER NOT NULL,
		block_hash BLOB NOT NULL,
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetChain returns the recorded chain name, "" if unset
func (s *Store) GetChain(ctx context.Context) (string, error) {
	var chain string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = 'chain'`,
	).Scan(&chain)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query chain: %w", err)
	}

	return chain, nil
}

// SetChain records the chain name, refusing to overwrite a different one
func (s *Store) SetChain(ctx context.Context, chain string) error {
	existing, err := s.GetChain(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		if existing != chain {
			return fmt.Errorf("%w: have %q, got %q", metadata.ErrChainMismatch, existing, chain)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES ('chain', ?)`,
		chain,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chain: %w", err)
	}
	return nil
}

// GetTip returns the persisted tip, Height -1 if none
func (s *Store) GetTip(ctx context.Context) (*metadata.TipMeta, error) {
	var tip metadata.TipMeta
	var blockHash []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT height, block_hash FROM tip WHERE id = 0`,
	).Scan(&tip.Height, &blockHash)

	if err == sql.ErrNoRows {
		return &metadata.TipMeta{Height: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tip: %w", err)
	}

	copy(tip.BlockHash[:], blockHash)
	return &tip, nil
}

// SetTip records the persisted tip
func (s *Store) SetTip(ctx context.Context, tip *metadata.TipMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tip (id, height, block_hash) VALUES (0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET height = excluded.height, block_hash = excluded.block_hash,
		 updated_at = strftime('%s', 'now')`,
		tip.Height, tip.BlockHash[:],
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tip: %w", err)
	}
	return nil
}

// Close releases all database resources
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
