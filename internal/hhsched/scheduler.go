// Package hhsched implements the two scheduling triggers of spec §4.6: a
// periodic sweep over every target currently holding hints, and an
// event-driven hook fired when the failure detector reports a peer
// alive. Both funnel through the single concurrency gate, Schedule,
// which admits via the worker pool's in-flight-target set.
//
// Grounded on the teacher's internal/coop/monitor.go ticker/context
// polling loop for the sweep's goroutine lifecycle, and its
// internal/eventbus subscribe pattern for the event-driven hook.
package hhsched

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhctl"
	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhmetrics"
	"bolt-hhm.dev/hhm/internal/hhpool"
	"bolt-hhm.dev/hhm/internal/hhsession"
	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// SweepInterval is the spec-mandated periodic sweep period.
const SweepInterval = 10 * time.Minute

// SessionFactory builds a fresh Session for one delivery attempt. The
// scheduler calls it once per admitted target so the rate limiter and
// any other per-session state starts clean, per §4.3/§5.
type SessionFactory func(targetID uuid.UUID, endpoint hhtypes.Endpoint) *hhsession.Session

// Scheduler owns the periodic sweep goroutine, the event-driven
// subscription, and the single admission gate (Schedule) both funnel
// through.
type Scheduler struct {
	Store       hhstore.Store
	Membership  hhiface.Membership
	Pool        *hhpool.Pool
	NewSession  SessionFactory
	FailureDet  hhiface.FailureDetector
	Metrics     *hhmetrics.Recorder
	Logger      *slog.Logger

	unsubscribe func()
}

// New builds a Scheduler. Call Start to launch the periodic sweep and
// subscribe to the failure detector's alive events.
func New(store hhstore.Store, membership hhiface.Membership, pool *hhpool.Pool, factory SessionFactory, fd hhiface.FailureDetector, metrics *hhmetrics.Recorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Store:      store,
		Membership: membership,
		Pool:       pool,
		NewSession: factory,
		FailureDet: fd,
		Metrics:    metrics,
		Logger:     logger,
	}
}

// Start launches the periodic sweep goroutine and the event-driven
// subscription. The sweep loop exits when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.unsubscribe = s.FailureDet.Subscribe(func(ep hhtypes.Endpoint) {
		s.Logger.Debug("hhm: peer reported alive, scheduling", "endpoint", ep)
		s.Schedule(ep)
	})

	go s.sweepLoop(ctx)
}

// Stop cancels the failure-detector subscription. The sweep goroutine is
// stopped by cancelling the context passed to Start.
func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep enumerates every target currently holding hints, resolves each
// to a live endpoint, drops any that no longer resolve (token removed
// from the ring), and schedules the rest. The scheduler itself never
// fails: a DistinctTargets error is logged and the sweep is skipped until
// the next tick, per §7's "the scheduler itself never fails" policy.
func (s *Scheduler) Sweep(ctx context.Context) {
	targets, err := s.Store.DistinctTargets(ctx)
	if err != nil {
		s.Logger.Error("hhm: sweep failed to enumerate targets", "err", err)
		return
	}

	for _, targetID := range targets {
		endpoint, ok := s.Membership.EndpointFor(targetID)
		if !ok {
			s.Logger.Debug("hhm: sweep dropping unresolved target", "target_id", targetID)
			continue
		}
		s.Schedule(endpoint)
	}
}

// Schedule is the single concurrency gate of §4.6: resolve the
// endpoint's target id, admit via the pool's in-flight-target set, and
// hand the session to the bounded worker pool. A target already running
// a session is a no-op.
func (s *Scheduler) Schedule(endpoint hhtypes.Endpoint) {
	targetID, ok := s.Membership.HostID(endpoint)
	if !ok {
		s.Logger.Debug("hhm: schedule skipped, no host id for endpoint", "endpoint", endpoint)
		return
	}

	admitted := s.Pool.Submit(context.Background(), targetID, func(ctx context.Context) {
		session := s.NewSession(targetID, endpoint)
		outcome := session.Run(ctx)
		if outcome.Err != nil {
			s.Logger.Error("hhm: delivery session error", "target_id", targetID, "reason", outcome.Reason, "err", outcome.Err)
		}
	})
	if !admitted {
		s.Logger.Debug("hhm: schedule no-op, target already in flight", "target_id", targetID)
	}
}

var _ hhctl.Scheduler = (*Scheduler)(nil)
