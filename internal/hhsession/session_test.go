package hhsession_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bolt-hhm.dev/hhm/internal/hhcodec"
	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhsession"
	"bolt-hhm.dev/hhm/internal/hhstore/memstore"
	"bolt-hhm.dev/hhm/internal/hhtestutil"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

const testEndpoint = hhtypes.Endpoint("10.0.0.2:7000")

func newFixture(t *testing.T) (*memstore.Store, *hhtestutil.FakeRPC, *hhtestutil.FakeFailureDetector, hhsession.Deps, hhsession.Config) {
	t.Helper()
	hhcodec.RegisterFamily("A")
	hhcodec.RegisterFamily("B")

	store := memstore.New()
	rpc := &hhtestutil.FakeRPC{}
	fd := hhtestutil.NewFakeFailureDetector()
	gossip := hhtestutil.NewFakeGossip()
	local := hhtestutil.NewFakeLocalSchema(hhtypes.SchemaVersion(uuid.New()))
	gossip.Publish(testEndpoint, local.CurrentVersion())
	truncations := hhtestutil.NewFakeTruncations()

	deps := hhsession.Deps{
		Store:       store,
		RPC:         rpc,
		FailureDet:  fd,
		Gossip:      gossip,
		Local:       local,
		Truncations: truncations,
		Paused:      &hhtestutil.FakePauseFlag{},
	}
	cfg := hhsession.Config{
		InMemoryCompactionLimit: 1 << 20,
		TombstoneWarnThreshold:  1_000_000,
		RingDelay:               10 * time.Millisecond,
		SchemaPollInterval:      time.Millisecond,
	}
	return store, rpc, fd, deps, cfg
}

func insertMutation(t *testing.T, store *memstore.Store, target uuid.UUID, families ...hhtypes.ColumnFamily) {
	t.Helper()
	m := &hhtypes.Mutation{Keyspace: "ks", PartitionKey: target.String(), Families: families}
	wire, err := hhcodec.Serialize(m, hhcodec.CurrentVersion)
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), target, hhcodec.CurrentVersion, wire, time.Hour)
	require.NoError(t, err)
}

// S1 — Steady-state delivery: every hint for a live target is delivered
// and removed, and the session reports a clean finish.
func TestSessionSteadyStateDeliversEveryHint(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	const n = 300
	for i := 0; i < n; i++ {
		insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})
	}

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, hhsession.StateDone, outcome.State)
	assert.Equal(t, n, outcome.Replayed)
	assert.Equal(t, n, rpc.SentCount())

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}

// Regression test: a hint must still be dispatched once it is past half
// its TTL but before its actual expiry. IsTombstoneResidue must compare
// against the hint's absolute expiry instant, not a "remaining TTL"
// figure recomputed at scan time — the latter would treat every hint
// older than half its TTL as residue and silently drop it without ever
// dispatching it (see hhcodec.IsTombstoneResidue).
func TestSessionDispatchesHintPastHalfItsTTLButBeforeExpiry(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertedAt := time.Now()
	insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})

	// The target recovered 45 minutes later: well past half the hint's
	// 1-hour TTL, but 15 minutes before it actually expires.
	deps.Now = func() time.Time { return insertedAt.Add(45 * time.Minute) }

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, hhsession.StateDone, outcome.State)
	assert.Equal(t, 1, outcome.Replayed)
	assert.Equal(t, 1, rpc.SentCount())
}

// Target already dead at preflight: the session never reaches the paging
// loop at all.
func TestSessionAbortsWhenTargetAlreadyDeadAtPreflight(t *testing.T) {
	store, _, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	const n = 40
	for i := 0; i < n; i++ {
		insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})
	}

	fd.SetAlive(testEndpoint, false)

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.StateAborted, outcome.State)
	assert.Equal(t, hhsession.ReasonTargetDead, outcome.Reason)
	assert.Equal(t, 0, outcome.Replayed)

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty, "hints must survive an aborted session for the next sweep")
}

// S3 — Target dies mid-stream: the failure detector flips the endpoint
// dead from an RPC hook partway through dispatch, so the session is
// already inside the paging loop (not still in preflight) when it aborts.
// Acks already in flight for the page still drain; the remainder, which
// was never sent, survives for the next sweep.
func TestSessionAbortsWhenTargetDiesPartwayThroughDispatch(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	const n = 100
	for i := 0; i < n; i++ {
		insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})
	}

	const killAfter = 40
	rpc.Hook = func(sent int) {
		if sent == killAfter {
			fd.SetAlive(testEndpoint, false)
		}
	}

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.StateAborted, outcome.State)
	assert.Equal(t, hhsession.ReasonTargetDead, outcome.Reason)
	assert.Equal(t, killAfter, outcome.Replayed, "the in-flight page drains every already-dispatched ack before aborting")
	assert.Equal(t, killAfter, rpc.SentCount(), "dispatch must stop as soon as the per-row liveness check sees the target dead")

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty, "the undispatched remainder must survive for the next sweep")
}

// Pause requested before the session ever starts: it aborts in preflight,
// without touching the store.
func TestSessionAbortsOnPause(t *testing.T) {
	store, _, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	const n = 10
	for i := 0; i < n; i++ {
		insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})
	}

	pause := &hhtestutil.FakePauseFlag{}
	pause.Set(true)
	deps.Paused = pause

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.ReasonPaused, outcome.Reason)
	assert.Equal(t, 0, outcome.Replayed)

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty)
}

// S2 — Pause mid-stream: property 8 requires that pausing a *running*
// session stops dispatch within one page-cycle. The pause flag flips from
// an RPC hook partway through the page, well after preflight has passed,
// so this exercises the per-row check at the paging loop's row boundary
// rather than the preflight short-circuit above.
func TestSessionStopsDispatchWithinOnePageCycleAfterPause(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	const n = 50
	for i := 0; i < n; i++ {
		insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("payload")})
	}

	pause := &hhtestutil.FakePauseFlag{}
	deps.Paused = pause

	const pauseAfter = 7
	rpc.Hook = func(sent int) {
		if sent == pauseAfter {
			pause.Set(true)
		}
	}

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.StateAborted, outcome.State)
	assert.Equal(t, hhsession.ReasonPaused, outcome.Reason)
	assert.Equal(t, pauseAfter, outcome.Replayed, "every ack already in flight when pause took effect must still drain")
	assert.Equal(t, pauseAfter, rpc.SentCount(), "no hint dispatched after pause takes effect within the same page")

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty, "the unpaused remainder must still be present for the next sweep")
}

// S4 — Truncated family: a family truncated after the hint's writetime is
// stripped before dispatch; the hint is still deleted once delivered.
func TestSessionStripsTruncatedFamilyBeforeDispatch(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertMutation(t, store, target,
		hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("a-payload")},
		hhtypes.ColumnFamily{Name: "B", GraceWindow: time.Hour, Columns: []byte("b-payload")},
	)

	truncations := deps.Truncations.(*hhtestutil.FakeTruncations)
	truncations.SetTruncated("A", time.Now().Add(time.Hour)) // after the hint's writetime

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, outcome.Replayed)
	require.Equal(t, 1, rpc.SentCount())

	sent, err := hhcodec.Deserialize(rpc.Sent[0].Mutation, hhcodec.CurrentVersion)
	require.NoError(t, err)
	require.Len(t, sent.Families, 1)
	assert.Equal(t, "B", sent.Families[0].Name)

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}

// S4 (continued) — if every family a hint touches was truncated after its
// writetime, the hint is deleted without ever being dispatched.
func TestSessionDeletesHintWithoutDispatchWhenAllFamiliesTruncated(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertMutation(t, store, target,
		hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("a")},
		hhtypes.ColumnFamily{Name: "B", GraceWindow: time.Hour, Columns: []byte("b")},
	)

	truncations := deps.Truncations.(*hhtestutil.FakeTruncations)
	future := time.Now().Add(time.Hour)
	truncations.SetTruncated("A", future)
	truncations.SetTruncated("B", future)

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, 0, rpc.SentCount())

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}

// S5 — Unknown family: a mutation referencing a family the decoder does
// not recognize is dropped without dispatch and without incrementing the
// replayed counter.
func TestSessionDeletesUnknownFamilyHintWithoutDispatch(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "never_registered", GraceWindow: time.Hour, Columns: []byte("x")})

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	require.NoError(t, outcome.Err)
	assert.Equal(t, 0, outcome.Replayed)
	assert.Equal(t, 0, rpc.SentCount())

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}

// S6 — Schema mismatch: a peer whose advertised schema never converges
// within the bounded wait causes the session to exit silently without
// touching the store.
func TestSessionExitsSilentlyOnSchemaMismatch(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)
	insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("x")})

	gossip := deps.Gossip.(*hhtestutil.FakeGossip)
	gossip.Publish(testEndpoint, hhtypes.SchemaVersion(uuid.New())) // never matches Local

	cfg.RingDelay = 5 * time.Millisecond
	cfg.SchemaPollInterval = time.Millisecond

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.ReasonSchemaTimeout, outcome.Reason)
	assert.Nil(t, outcome.Err)
	assert.Equal(t, 0, rpc.SentCount())

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestSessionPreflightSkipsEmptyStoreSilently(t *testing.T) {
	_, _, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.ReasonStoreEmpty, outcome.Reason)
	assert.Nil(t, outcome.Err)
}

func TestSessionWriteTimeoutAbortsButKeepsUnackedHints(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("x")})
	rpc.ScriptFuture(hhtestutil.FakeFuture{Ack: hhiface.Ack{TimedOut: true}})

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.ReasonWriteTimeout, outcome.Reason)
	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestSessionUnreachableSendAbortsDistinctlyFromWriteTimeout(t *testing.T) {
	store, rpc, fd, deps, cfg := newFixture(t)
	target := uuid.New()
	fd.SetAlive(testEndpoint, true)

	insertMutation(t, store, target, hhtypes.ColumnFamily{Name: "A", GraceWindow: time.Hour, Columns: []byte("x")})
	rpc.ScriptError(hhtestutil.ErrScripted)

	sess := hhsession.New(target, testEndpoint, deps, cfg)
	outcome := sess.Run(context.Background())

	assert.Equal(t, hhsession.ReasonUnreachable, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, hhtestutil.ErrScripted)
	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.False(t, empty)
}
