// Package hhstore defines the contract the Hinted Handoff Manager uses to
// talk to the underlying keyed store: insert, page-scan by target,
// composite-key delete, bulk delete, truncate, and compaction. Concrete
// backends (sqlstore, memstore) implement Store; session and control-
// surface code depend only on this interface.
package hhstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Sentinel errors for common store conditions. Callers use errors.Is
// against these rather than matching on formatted text.
var (
	// ErrValidation marks a caller precondition violation (e.g. a
	// non-positive TTL on insert). The session treats this as a
	// programmer error and aborts.
	ErrValidation = errors.New("hhstore: validation failed")

	// ErrNotFound indicates the requested key had no row.
	ErrNotFound = errors.New("hhstore: not found")
)

// wrapStoreErr wraps an underlying execution error with operation context,
// leaving ErrValidation/ErrNotFound unwrapped so errors.Is still matches.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("hhstore: %s: %w", op, err)
}

// Page is one bounded batch of hint rows from a scan, together with the
// cursor to resume from for the next page.
type Page struct {
	Rows []hhtypes.HintRow
	// NextCursor is nil when the scan reached the end of the target's
	// partition.
	NextCursor *uuid.UUID
}

// Store is the keyed hint store the delivery pipeline reads and writes
// against. It is shared across sessions and handles its own concurrency.
type Store interface {
	// Insert appends a new hint with a fresh time-ordered hint_id. ttl
	// must be > 0; a non-positive ttl returns an error wrapping
	// ErrValidation.
	Insert(ctx context.Context, targetID uuid.UUID, messageVersion int, mutation []byte, ttl time.Duration) (uuid.UUID, error)

	// Scan returns up to pageSize hints for targetID, oldest hint_id
	// first, starting strictly after cursor (or from the start if cursor
	// is nil). The paging primitive requires pageSize >= 2.
	Scan(ctx context.Context, targetID uuid.UUID, pageSize int, cursor *uuid.UUID) (Page, error)

	// Delete removes one hint using writeTimeMicros as the delete's
	// USING TIMESTAMP equivalent, so a concurrent re-insert for the same
	// key with a newer writetime survives. Idempotent: deleting an
	// already-deleted key is a no-op.
	Delete(ctx context.Context, key hhtypes.HintKey, writeTimeMicros int64) error

	// BulkDelete removes every hint for targetID.
	BulkDelete(ctx context.Context, targetID uuid.UUID) error

	// TruncateAll empties the store.
	TruncateAll(ctx context.Context) error

	// DistinctTargets enumerates every partition key currently present.
	DistinctTargets(ctx context.Context) ([]uuid.UUID, error)

	// IsEmpty reports whether the store holds no hints for any target.
	IsEmpty(ctx context.Context) (bool, error)

	// Stats reports column statistics used for adaptive page sizing.
	Stats(ctx context.Context) (hhtypes.StoreStats, error)

	// Flush forces any buffered writes to durable storage.
	Flush(ctx context.Context) error

	// Compact triggers compaction over the store's current on-disk
	// segments for targetID, bounding tombstone accumulation left behind
	// by a replay.
	Compact(ctx context.Context, targetID uuid.UUID) error
}
