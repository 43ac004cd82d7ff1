// Package memstore is an in-memory hhstore.Store implementation. It backs
// the deterministic property tests and the end-to-end scenarios in
// hhsession and hhsched, and is grounded on the same mutex-guarded map
// shape the teacher codebase uses for its ephemeral wisp store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

type row struct {
	key       hhtypes.HintKey
	mutation  []byte
	writeTime int64 // micros
	expiresAt time.Time
	deleted   bool
}

// Store is an in-memory, mutex-guarded hhstore.Store.
//
// Thread-safe: every operation is protected by a single RWMutex.
type Store struct {
	mu   sync.RWMutex
	rows map[uuid.UUID][]*row // keyed by target_id, insertion order == hint_id order

	// nowFunc is overridable by tests that need to simulate TTL expiry
	// or control writetime ordering precisely.
	nowFunc func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		rows:    make(map[uuid.UUID][]*row),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the store's clock, for deterministic TTL tests.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

func (s *Store) Insert(_ context.Context, targetID uuid.UUID, messageVersion int, mutation []byte, ttl time.Duration) (uuid.UUID, error) {
	if ttl <= 0 {
		return uuid.Nil, hhstore.ErrValidation
	}

	hintID, err := hhtypes.NewHintID()
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	r := &row{
		key: hhtypes.HintKey{
			TargetID:       targetID,
			HintID:         hintID,
			MessageVersion: messageVersion,
		},
		mutation:  append([]byte(nil), mutation...),
		writeTime: now.UnixMicro(),
		expiresAt: now.Add(ttl),
	}
	s.rows[targetID] = append(s.rows[targetID], r)
	return hintID, nil
}

func (s *Store) Scan(_ context.Context, targetID uuid.UUID, pageSize int, cursor *uuid.UUID) (hhstore.Page, error) {
	if pageSize < 2 {
		return hhstore.Page{}, hhstore.ErrValidation
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.rows[targetID]
	sorted := make([]*row, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool {
		return hintIDLess(sorted[i].key.HintID, sorted[j].key.HintID)
	})

	start := len(sorted)
	if cursor == nil {
		start = 0
	} else {
		for i, r := range sorted {
			if hintIDLess(*cursor, r.key.HintID) {
				start = i
				break
			}
		}
	}

	end := start + pageSize
	if end > len(sorted) {
		end = len(sorted)
	}

	page := hhstore.Page{}
	for _, r := range sorted[start:end] {
		hr := hhtypes.HintRow{
			Key:             r.key,
			WriteTimeMicros: r.writeTime,
			ExpiresAtMicros: r.expiresAt.UnixMicro(),
			Tombstone:       r.deleted,
		}
		if !r.deleted {
			hr.MutationBytes = append([]byte(nil), r.mutation...)
		}
		page.Rows = append(page.Rows, hr)
	}
	if end < len(sorted) {
		next := sorted[end-1].key.HintID
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Store) Delete(_ context.Context, key hhtypes.HintKey, writeTimeMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.rows[key.TargetID]
	for _, r := range rs {
		if r.key == key {
			// A concurrent re-insert with a strictly newer writetime must
			// survive a late delete carrying the older writetime.
			if r.writeTime > writeTimeMicros {
				return nil
			}
			r.deleted = true
			return nil
		}
	}
	return nil // idempotent: already gone
}

func (s *Store) BulkDelete(_ context.Context, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, targetID)
	return nil
}

func (s *Store) TruncateAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[uuid.UUID][]*row)
	return nil
}

func (s *Store) DistinctTargets(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []uuid.UUID
	for id, rs := range s.rows {
		if liveCount(rs) > 0 {
			targets = append(targets, id)
		}
	}
	return targets, nil
}

func (s *Store) IsEmpty(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rs := range s.rows {
		if liveCount(rs) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) Stats(_ context.Context) (hhtypes.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totalBytes, totalRows, totalCols int
	for _, rs := range s.rows {
		for _, r := range rs {
			if r.deleted {
				continue
			}
			totalBytes += len(r.mutation)
			totalRows++
			totalCols++ // memstore does not model per-family columns; 1 per row
		}
	}
	if totalRows == 0 {
		return hhtypes.StoreStats{}, nil
	}
	return hhtypes.StoreStats{
		MeanRowBytes: float64(totalBytes) / float64(totalRows),
		MeanColumns:  float64(totalCols) / float64(totalRows),
	}, nil
}

func (s *Store) Flush(_ context.Context) error { return nil }

func (s *Store) Compact(_ context.Context, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.rows[targetID]
	live := make([]*row, 0, len(rs))
	for _, r := range rs {
		if !r.deleted {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		delete(s.rows, targetID)
	} else {
		s.rows[targetID] = live
	}
	return nil
}

func liveCount(rs []*row) int {
	n := 0
	for _, r := range rs {
		if !r.deleted {
			n++
		}
	}
	return n
}

// hintIDLess orders two UUIDv7 hint IDs by creation time; since v7 embeds
// a millisecond timestamp in its high bits, byte-lexicographic order
// matches creation order.
func hintIDLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

var _ hhstore.Store = (*Store)(nil)
