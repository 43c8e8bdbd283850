// Package store defines the persistence contract for document snapshots.
// Implementations must provide identical semantics across backends so the
// adapter above them stays backend-agnostic.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no row exists for the document.
// It is the expected state for a brand-new document, not a failure.
var ErrNotFound = errors.New("store: snapshot not found")

// RawSnapshot is a snapshot row as read back from the backing store.
// State carries the binary column exactly as the store client surfaced it
// ([]byte, string, or nil); normalizing it is the caller's job, because the
// same logical row can arrive in different shapes depending on client
// configuration and on which historical writer produced it.
type RawSnapshot struct {
	DocID     string
	State     any
	UpdatedAt time.Time
}

// EncodedSnapshot is a snapshot row ready to be written: the canonical
// textual encoding of the document state plus the write timestamp.
type EncodedSnapshot struct {
	DocID     string
	State     string
	UpdatedAt time.Time
}

// SnapshotStore persists and retrieves one snapshot row per document.
// Upsert replaces the existing row wholesale (last-write-wins at the row
// level) and must be atomic and idempotent: re-issuing an identical upsert
// leaves the row in the same final state.
type SnapshotStore interface {
	Get(ctx context.Context, docID string) (RawSnapshot, error)
	Upsert(ctx context.Context, snap EncodedSnapshot) error
	Close() error
}
