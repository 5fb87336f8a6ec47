// Package sqlite persists governor state to a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// Config controls where the database lives.
type Config struct {
	Path     string `mapstructure:"path"`
	ReadOnly bool   `mapstructure:"read_only"`
}

// Store implements storage.Backend on a single governor_state table.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the directory and schema if needed and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	if cfg.ReadOnly {
		dsn += "&_query_only=true"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps batch transactions from contending on the file lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: cfg.Path}
	if !cfg.ReadOnly {
		if err := s.initSchema(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS governor_state (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE INDEX IF NOT EXISTS idx_governor_state_bucket ON governor_state(bucket);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Apply runs the batch inside one transaction.
func (s *Store) Apply(ctx context.Context, mutations ...storage.Mutation) error {
	if err := storage.Validate(mutations); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, m := range mutations {
		if m.Delete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM governor_state WHERE bucket = ? AND key = ?`,
				string(m.Bucket), m.Key); err != nil {
				return fmt.Errorf("delete %s/%s: %w", m.Bucket, m.Key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO governor_state (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(m.Bucket), m.Key, m.Value, now); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.Bucket, m.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load reads every row of bucket.
func (s *Store) Load(ctx context.Context, bucket storage.Bucket) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM governor_state WHERE bucket = ?`, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("query bucket %s: %w", bucket, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan bucket %s: %w", bucket, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket %s: %w", bucket, err)
	}
	return out, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
