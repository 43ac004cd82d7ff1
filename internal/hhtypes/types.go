// Package hhtypes defines the data model shared by every Hinted Handoff
// Manager component: the persisted hint record, the in-memory mutation it
// wraps, and the small value types used across the store, codec, session,
// and control-surface packages.
package hhtypes

import (
	"time"

	"github.com/google/uuid"
)

// ColumnFamily is a single table's worth of updates inside a Mutation,
// addressed to one partition key.
type ColumnFamily struct {
	Name string
	// GraceWindow is the tombstone retention period for this family;
	// ttl_for(mutation) takes the minimum GraceWindow across all families.
	GraceWindow time.Duration
	// Columns is the opaque payload for this family. The codec does not
	// interpret it; only its presence/absence matters for stripping.
	Columns []byte
}

// Mutation is a write addressed to one partition key, batching updates
// across one or more column families.
type Mutation struct {
	Keyspace     string
	PartitionKey string
	Families     []ColumnFamily
}

// IsEmpty reports whether the mutation carries no column family data,
// the signal to delete a hint without ever dispatching it.
func (m *Mutation) IsEmpty() bool {
	if m == nil {
		return true
	}
	for _, cf := range m.Families {
		if len(cf.Columns) > 0 {
			return false
		}
	}
	return true
}

// MinGraceWindow returns the smallest GraceWindow across the mutation's
// column families. The second return is false for an empty mutation.
func (m *Mutation) MinGraceWindow() (time.Duration, bool) {
	if m == nil || len(m.Families) == 0 {
		return 0, false
	}
	min := m.Families[0].GraceWindow
	for _, cf := range m.Families[1:] {
		if cf.GraceWindow < min {
			min = cf.GraceWindow
		}
	}
	return min, true
}

// WireSize estimates the serialized size of the mutation for rate-limiter
// sizing purposes, ahead of actually serializing it.
func (m *Mutation) WireSize() int {
	n := len(m.Keyspace) + len(m.PartitionKey)
	for _, cf := range m.Families {
		n += len(cf.Name) + len(cf.Columns)
	}
	return n
}

// HintKey is the composite identity of a hint row: (target_id, hint_id,
// message_version). The triple is unique at any point in time.
type HintKey struct {
	TargetID       uuid.UUID
	HintID         uuid.UUID
	MessageVersion int
}

// HintRow is one persisted hint as returned by a store scan.
type HintRow struct {
	Key HintKey

	// MutationBytes is the serialized payload; undecoded until the codec
	// runs.
	MutationBytes []byte

	// WriteTimeMicros is the store-assigned writetime, used verbatim as
	// the USING TIMESTAMP value on delete so a newer re-insert for the
	// same key is never erased by a late delete of an older write.
	WriteTimeMicros int64

	// ExpiresAtMicros is the absolute wall-clock time the hint's TTL
	// window elapses, computed by the store at insert time
	// (writetime + original ttl) and returned verbatim on every scan —
	// never recomputed from a "remaining TTL" figure, which shrinks on
	// every scan and would make the tombstone-residue check in
	// hhcodec.IsTombstoneResidue fire against the wrong clock.
	ExpiresAtMicros int64

	// Tombstone is true when the row has already been deleted but the
	// store's scan still surfaced a residual marker for it in this page.
	Tombstone bool
}

// WriteTime converts WriteTimeMicros to a time.Time for arithmetic against
// wall-clock reads. Callers computing the tombstone-residue check should
// use ExpiresAtMillis and integer millisecond math instead (see
// hhcodec.IsTombstoneResidue) to avoid the unit-mixing bug this type
// deliberately does not reproduce.
func (r HintRow) WriteTime() time.Time {
	return time.UnixMicro(r.WriteTimeMicros)
}

// WriteTimeMillis returns the writetime truncated to milliseconds, the
// unit the tombstone-residue arithmetic is defined in.
func (r HintRow) WriteTimeMillis() int64 {
	return r.WriteTimeMicros / 1000
}

// ExpiresAtMillis returns ExpiresAtMicros truncated to milliseconds, the
// unit hhcodec.IsTombstoneResidue compares against the current time.
func (r HintRow) ExpiresAtMillis() int64 {
	return r.ExpiresAtMicros / 1000
}

// NewHintID generates a fresh time-ordered hint identifier. Because it is
// a UUIDv7, lexicographic/numeric ordering of NewHintID values matches
// creation order, which is what the store's oldest-first scan relies on.
func NewHintID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// Endpoint identifies a peer by network address, as resolved through the
// membership contract from a target_id.
type Endpoint string

// SchemaVersion is the schema UUID a peer advertises through gossip.
type SchemaVersion uuid.UUID

// StoreStats summarizes the store's current column statistics, used to
// derive the adaptive page size in the delivery session.
type StoreStats struct {
	MeanRowBytes   float64
	MeanColumns    float64
}
