package hhsched_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bolt-hhm.dev/hhm/internal/hhcodec"
	"bolt-hhm.dev/hhm/internal/hhpool"
	"bolt-hhm.dev/hhm/internal/hhsession"
	"bolt-hhm.dev/hhm/internal/hhsched"
	"bolt-hhm.dev/hhm/internal/hhstore/memstore"
	"bolt-hhm.dev/hhm/internal/hhtestutil"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

func TestScheduleIsANoopForAnUnknownEndpoint(t *testing.T) {
	store := memstore.New()
	membership := hhtestutil.NewFakeMembership()
	pool := hhpool.New(2)

	factory := func(targetID uuid.UUID, endpoint hhtypes.Endpoint) *hhsession.Session {
		t.Fatal("factory must not be invoked for an unresolved endpoint")
		return nil
	}

	sched := hhsched.New(store, membership, pool, factory, hhtestutil.NewFakeFailureDetector(), nil, nil)
	sched.Schedule("10.0.0.5:7000") // no host id registered
	pool.Wait()
}

func TestSweepSchedulesEveryDistinctTargetWithAResolvedEndpoint(t *testing.T) {
	hhcodec.RegisterFamily("A")

	store := memstore.New()
	membership := hhtestutil.NewFakeMembership()
	pool := hhpool.New(4)

	resolved := uuid.New()
	unresolved := uuid.New()
	membership.Add(resolved, "10.0.0.1:7000")

	m := &hhtypes.Mutation{Keyspace: "ks", Families: []hhtypes.ColumnFamily{{Name: "A", GraceWindow: time.Hour, Columns: []byte("x")}}}
	wire, err := hhcodec.Serialize(m, hhcodec.CurrentVersion)
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), resolved, hhcodec.CurrentVersion, wire, time.Hour)
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), unresolved, hhcodec.CurrentVersion, wire, time.Hour)
	require.NoError(t, err)

	fd := hhtestutil.NewFakeFailureDetector()
	scheduled := make(chan hhtypes.Endpoint, 4)
	factory := func(targetID uuid.UUID, endpoint hhtypes.Endpoint) *hhsession.Session {
		scheduled <- endpoint
		gossip := hhtestutil.NewFakeGossip()
		local := hhtestutil.NewFakeLocalSchema(hhtypes.SchemaVersion{})
		gossip.Publish(endpoint, local.CurrentVersion())
		deps := hhsession.Deps{
			Store: store, RPC: &hhtestutil.FakeRPC{}, FailureDet: fd,
			Gossip: gossip, Local: local, Truncations: hhtestutil.NewFakeTruncations(),
			Paused: &hhtestutil.FakePauseFlag{},
		}
		cfg := hhsession.Config{InMemoryCompactionLimit: 1 << 20, RingDelay: time.Millisecond, SchemaPollInterval: time.Millisecond}
		return hhsession.New(targetID, endpoint, deps, cfg)
	}

	sched := hhsched.New(store, membership, pool, factory, fd, nil, nil)
	sched.Sweep(context.Background())
	pool.Wait()

	require.Len(t, scheduled, 1)
	assert.Equal(t, hhtypes.Endpoint("10.0.0.1:7000"), <-scheduled)
}
