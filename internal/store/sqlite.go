package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface check
var _ CursorStore = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed cursor store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the cursor database at
// dbPath, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Read returns the stored cursor for the mailbox.
func (s *SQLiteStore) Read(ctx context.Context, mailbox string) (uint64, error) {
	var cursor uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE mailbox = ?`, mailbox,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// Write upserts the cursor for the mailbox.
func (s *SQLiteStore) Write(ctx context.Context, mailbox string, cursor uint64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (mailbox, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, mailbox, cursor, now)
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Delete removes the stored cursor for the mailbox. Used by the cursor
// admin command to force a fresh cold start.
func (s *SQLiteStore) Delete(ctx context.Context, mailbox string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE mailbox = ?`, mailbox)
	if err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
