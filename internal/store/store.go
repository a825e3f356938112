// Package store provides durable storage for the last-processed cursor.
// The store is optional: with no database configured, NoopStore keeps the
// relay in memory-only mode and cold start falls back to asking the change
// source for the mailbox's current cursor.
package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates no cursor has been persisted for the mailbox.
var ErrNotFound = errors.New("cursor not found")

// CursorStore persists the last-processed cursor per mailbox.
type CursorStore interface {
	// Read returns the stored cursor, or ErrNotFound.
	Read(ctx context.Context, mailbox string) (uint64, error)

	// Write persists the cursor for the mailbox, overwriting any
	// previous value.
	Write(ctx context.Context, mailbox string, cursor uint64) error

	// Close releases underlying resources.
	Close() error
}

// NoopStore is used when no store is configured. Reads report ErrNotFound
// and writes succeed without persisting anything.
type NoopStore struct{}

// Read always returns ErrNotFound.
func (NoopStore) Read(ctx context.Context, mailbox string) (uint64, error) {
	return 0, ErrNotFound
}

// Write is a no-op.
func (NoopStore) Write(ctx context.Context, mailbox string, cursor uint64) error {
	return nil
}

// Close is a no-op.
func (NoopStore) Close() error { return nil }
