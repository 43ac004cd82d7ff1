// Package hhm is the public facade over the Hinted Handoff Manager,
// grounded on the teacher's root-level beads.go: a thin set of type
// aliases and a single constructor wiring the store, codec, scheduler,
// and control surface together for an embedding process (a daemon's
// main, or a test harness), without exposing the internal/hh* packages
// directly.
package hhm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhcodec"
	"bolt-hhm.dev/hhm/internal/hhctl"
	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhmetrics"
	"bolt-hhm.dev/hhm/internal/hhpool"
	"bolt-hhm.dev/hhm/internal/hhsched"
	"bolt-hhm.dev/hhm/internal/hhsession"
	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Re-exported types so an embedding program never has to import
// internal/hh* directly.
type (
	Mutation      = hhtypes.Mutation
	ColumnFamily  = hhtypes.ColumnFamily
	Endpoint      = hhtypes.Endpoint
	SchemaVersion = hhtypes.SchemaVersion
	Store         = hhstore.Store
	PendingTarget = hhctl.PendingTarget
)

// ErrWindowExpired is returned by WriteHint when the mutation's TTL
// window has already elapsed; the caller should count the hint as
// not-stored rather than retry.
var ErrWindowExpired = hhcodec.ErrWindowExpired

// Config bounds the manager's behavior. Every field except ClusterSize
// mirrors a field of hhconfig.Config; ClusterSize is supplied by the
// embedding process (hhmd takes it from --cluster-size).
type Config struct {
	MaxHintThreads          int
	MaxHintTTL              time.Duration
	GlobalThrottleKB        int
	ClusterSize             int
	InMemoryCompactionLimit int
	TombstoneWarnThreshold  int
	RingDelay               time.Duration
	SchemaAgreementPoll     time.Duration
}

// Manager is one node's Hinted Handoff Manager: the write path
// (WriteHint), the scheduling loop that replays stored hints, and the
// operator control surface.
type Manager struct {
	store   hhstore.Store
	cfg     Config
	deps    hhsession.Deps
	metrics *hhmetrics.Recorder
	logger  *slog.Logger

	Control   *hhctl.Surface
	Scheduler *hhsched.Scheduler
}

// New wires a Manager against an already-open store and the cluster
// collaborators passed alongside it (rpc, fd, membership, gossip, local,
// truncations). The caller is responsible for calling
// Scheduler.Start once the node has finished joining the ring, and for
// closing/flushing store on shutdown.
func New(store hhstore.Store, cfg Config, rpc hhiface.RPC, fd hhiface.FailureDetector, membership hhiface.Membership, gossip hhiface.GossipSchema, local hhiface.LocalSchema, truncations hhsession.TruncationTimes, metrics *hhmetrics.Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	pause := &hhctl.Flag{}
	pool := hhpool.New(cfg.MaxHintThreads)

	sessDeps := hhsession.Deps{
		Store:       store,
		RPC:         rpc,
		FailureDet:  fd,
		Membership:  membership,
		Gossip:      gossip,
		Local:       local,
		Truncations: truncations,
		Paused:      pause,
		Logger:      logger,
		Metric:      metrics,
	}
	sessCfg := hhsession.Config{
		GlobalThrottleKB:        cfg.GlobalThrottleKB,
		ClusterSize:             cfg.ClusterSize,
		InMemoryCompactionLimit: cfg.InMemoryCompactionLimit,
		TombstoneWarnThreshold:  cfg.TombstoneWarnThreshold,
		RingDelay:               cfg.RingDelay,
		SchemaPollInterval:      cfg.SchemaAgreementPoll,
	}

	factory := func(targetID uuid.UUID, endpoint hhtypes.Endpoint) *hhsession.Session {
		return hhsession.New(targetID, endpoint, sessDeps, sessCfg)
	}

	sched := hhsched.New(store, membership, pool, factory, fd, metrics, logger)
	control := hhctl.New(store, membership, sched, metrics, logger)
	control.Pause = pause

	return &Manager{
		store:     store,
		cfg:       cfg,
		deps:      sessDeps,
		metrics:   metrics,
		logger:    logger,
		Control:   control,
		Scheduler: sched,
	}
}

// WriteHint stores a mutation as a durable hint for targetID, computing
// its TTL from the mutation's own column family grace windows clamped to
// the configured global ceiling, per §4.2. It returns ErrWindowExpired
// (wrapped) if the window has already elapsed; callers should treat that
// as "count as not stored", not a retryable failure.
func (m *Manager) WriteHint(ctx context.Context, targetID uuid.UUID, endpoint hhtypes.Endpoint, mutation *hhtypes.Mutation) (uuid.UUID, error) {
	ttl, err := hhcodec.TTLFor(mutation, m.cfg.MaxHintTTL)
	if err != nil {
		m.metrics.HintNotStored(ctx, string(endpoint))
		return uuid.Nil, err
	}

	wire, err := hhcodec.Serialize(mutation, hhcodec.CurrentVersion)
	if err != nil {
		return uuid.Nil, fmt.Errorf("hhm: serialize: %w", err)
	}

	hintID, err := m.store.Insert(ctx, targetID, hhcodec.CurrentVersion, wire, ttl)
	if err != nil {
		return uuid.Nil, fmt.Errorf("hhm: insert: %w", err)
	}

	m.metrics.HintCreated(ctx, string(endpoint))
	return hintID, nil
}

// ListPendingTargets proxies to the control surface for operator tooling.
func (m *Manager) ListPendingTargets(ctx context.Context) ([]PendingTarget, error) {
	return m.Control.ListPendingTargets(ctx)
}

// TotalHintCount sums the hint count across every target currently
// holding hints, proxied from the control surface.
func (m *Manager) TotalHintCount(ctx context.Context) (int64, error) {
	return m.Control.TotalHintCount(ctx)
}
