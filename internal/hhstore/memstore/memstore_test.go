package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhstore/memstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

func TestInsertRejectsNonPositiveTTL(t *testing.T) {
	s := memstore.New()
	_, err := s.Insert(context.Background(), uuid.New(), 1, []byte("x"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, hhstore.ErrValidation)
}

func TestScanPagesInInsertionOrderAndAdvancesCursor(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	target := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id, err := s.Insert(ctx, target, 1, []byte{byte(i)}, time.Minute)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond) // force distinct UUIDv7 timestamps
	}

	page1, err := s.Scan(ctx, target, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1.Rows, 2)
	require.NotNil(t, page1.NextCursor)

	page2, err := s.Scan(ctx, target, 2, page1.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Rows, 2)

	page3, err := s.Scan(ctx, target, 2, page2.NextCursor)
	require.NoError(t, err)
	require.Len(t, page3.Rows, 1)
	assert.Nil(t, page3.NextCursor)

	var seen []uuid.UUID
	for _, p := range []hhstore.Page{page1, page2, page3} {
		for _, r := range p.Rows {
			seen = append(seen, r.Key.HintID)
		}
	}
	assert.Equal(t, ids, seen)
}

func TestDeleteIsWritetimeSafeAgainstConcurrentReinsert(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	target := uuid.New()

	id, err := s.Insert(ctx, target, 1, []byte("v1"), time.Minute)
	require.NoError(t, err)

	page, err := s.Scan(ctx, target, 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	staleWriteTime := page.Rows[0].WriteTimeMicros

	// Simulate a newer write landing for the same key before the stale
	// delete (carrying the old writetime) is applied.
	key := hhtypes.HintKey{TargetID: target, HintID: id, MessageVersion: 1}
	err = s.Delete(ctx, key, staleWriteTime-1) // older than the actual write
	require.NoError(t, err)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty, "a delete carrying an older writetime must not erase a newer write")

	err = s.Delete(ctx, key, staleWriteTime)
	require.NoError(t, err)
	empty, err = s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	key := hhtypes.HintKey{TargetID: uuid.New(), HintID: uuid.New(), MessageVersion: 1}
	require.NoError(t, s.Delete(ctx, key, 0))
	require.NoError(t, s.Delete(ctx, key, 0))
}

func TestBulkDeleteAndTruncateAll(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	t1, t2 := uuid.New(), uuid.New()

	_, err := s.Insert(ctx, t1, 1, []byte("a"), time.Minute)
	require.NoError(t, err)
	_, err = s.Insert(ctx, t2, 1, []byte("b"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.BulkDelete(ctx, t1))
	targets, err := s.DistinctTargets(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{t2}, targets)

	require.NoError(t, s.TruncateAll(ctx))
	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestCompactDropsTombstonedRows(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	target := uuid.New()

	id, err := s.Insert(ctx, target, 1, []byte("a"), time.Minute)
	require.NoError(t, err)
	key := hhtypes.HintKey{TargetID: target, HintID: id, MessageVersion: 1}
	require.NoError(t, s.Delete(ctx, key, time.Now().UnixMicro()+1))
	require.NoError(t, s.Compact(ctx, target))

	targets, err := s.DistinctTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestScanReportsStableExpiresAtRegardlessOfScanTime(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	target := uuid.New()

	insertedAt := time.Unix(1_000_000, 0)
	s.SetNowFunc(func() time.Time { return insertedAt })
	_, err := s.Insert(ctx, target, 1, []byte("x"), time.Hour)
	require.NoError(t, err)

	wantExpiry := insertedAt.Add(time.Hour).UnixMicro()

	page, err := s.Scan(ctx, target, 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, wantExpiry, page.Rows[0].ExpiresAtMicros)

	// Scanning much later (well past half the TTL, before the full TTL)
	// must report the same absolute expiry, not one shrunk toward zero —
	// the bug this regression test guards against conflated "remaining
	// TTL at scan time" with the hint's actual expiry instant.
	s.SetNowFunc(func() time.Time { return insertedAt.Add(45 * time.Minute) })
	page, err = s.Scan(ctx, target, 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, wantExpiry, page.Rows[0].ExpiresAtMicros)
}

func TestStatsReflectsOnlyLiveRows(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	target := uuid.New()

	_, err := s.Insert(ctx, target, 1, []byte("abcd"), time.Minute)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(4), stats.MeanRowBytes)
	assert.Equal(t, float64(1), stats.MeanColumns)
}
