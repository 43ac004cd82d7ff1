// Package hhctl implements the operator control surface of spec §4.7:
// pause/resume, per-endpoint purge, global truncate, and the
// list-pending-targets introspection. Grounded on the teacher's
// internal/rpc/server_admin.go admin-endpoint pattern of small
// request/response structs dispatched from a single surface.
package hhctl

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhmetrics"
	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Scheduler is the narrow slice of hhsched.Scheduler the control surface
// drives manual delivery through, kept as an interface here to avoid an
// import cycle between hhctl and hhsched.
type Scheduler interface {
	Schedule(endpoint hhtypes.Endpoint)
}

// Flag is the process-wide pause flag. It satisfies hhsession.PauseFlag
// and requires no mutex, per §5 — only atomic operations.
type Flag struct {
	paused atomic.Bool
}

func (f *Flag) IsPaused() bool { return f.paused.Load() }
func (f *Flag) Set(v bool)     { f.paused.Store(v) }

// PendingTarget is one row of list_pending_targets output.
type PendingTarget struct {
	TargetID  uuid.UUID
	Endpoint  hhtypes.Endpoint
	HintCount int64
	// Created and NotStored are the endpoint's lifetime counters from the
	// metrics recorder (zero if metrics are disabled), mirroring the
	// original Cassandra manager's per-endpoint JMX counters.
	Created   int64
	NotStored int64
}

// Surface is the operator control surface, backed by the shared store,
// membership view, scheduler, pause flag, and metrics recorder.
type Surface struct {
	Store      hhstore.Store
	Membership hhiface.Membership
	Scheduler  Scheduler
	Pause      *Flag
	Metrics    *hhmetrics.Recorder
	Logger     *slog.Logger
}

// New builds a control Surface. Logger defaults to slog.Default() if nil.
func New(store hhstore.Store, membership hhiface.Membership, scheduler Scheduler, metrics *hhmetrics.Recorder, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		Store:      store,
		Membership: membership,
		Scheduler:  scheduler,
		Pause:      &Flag{},
		Metrics:    metrics,
		Logger:     logger,
	}
}

// SetPaused toggles the global pause flag. In-flight sessions observe it
// at every page boundary and every row.
func (s *Surface) SetPaused(paused bool) {
	s.Pause.Set(paused)
	s.Logger.Info("hhm: pause flag changed", "paused", paused)
}

// IsPaused reports the current pause flag value.
func (s *Surface) IsPaused() bool {
	return s.Pause.IsPaused()
}

// DeleteHintsFor purges all hints for endpoint if it is still a cluster
// member, then compacts. It runs synchronously and returns once the purge
// and compaction are done; no caller in this module runs it in the
// background (the management RPC server's purge operation waits for it).
func (s *Surface) DeleteHintsFor(ctx context.Context, endpoint hhtypes.Endpoint) error {
	if !s.Membership.IsMember(endpoint) {
		s.Logger.Debug("hhm: purge skipped, endpoint not a member", "endpoint", endpoint)
		return nil
	}
	targetID, ok := s.Membership.HostID(endpoint)
	if !ok {
		return fmt.Errorf("hhctl: no host id for endpoint %s", endpoint)
	}

	if err := s.Store.BulkDelete(ctx, targetID); err != nil {
		return fmt.Errorf("hhctl: bulk delete for %s: %w", endpoint, err)
	}
	if err := s.Store.Compact(ctx, targetID); err != nil {
		s.Logger.Warn("hhm: post-purge compact failed", "endpoint", endpoint, "err", err)
	}
	s.Logger.Info("hhm: purged hints", "endpoint", endpoint, "target_id", targetID)
	return nil
}

// TruncateAll empties the store. Synchronous: returns only after the
// truncate completes, per §4.7.
func (s *Surface) TruncateAll(ctx context.Context) error {
	if err := s.Store.TruncateAll(ctx); err != nil {
		return fmt.Errorf("hhctl: truncate_all: %w", err)
	}
	s.Logger.Info("hhm: truncated all hints")
	return nil
}

// ListPendingTargets returns the distinct targets currently holding
// hints, with their resolved endpoint and hint count, for operator
// display. Targets that no longer resolve to a live endpoint are still
// listed (endpoint left empty) so the operator can see why a sweep is
// skipping them.
func (s *Surface) ListPendingTargets(ctx context.Context) ([]PendingTarget, error) {
	targets, err := s.Store.DistinctTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("hhctl: distinct_targets: %w", err)
	}

	out := make([]PendingTarget, 0, len(targets))
	for _, t := range targets {
		pt := PendingTarget{TargetID: t}
		if ep, ok := s.Membership.EndpointFor(t); ok {
			pt.Endpoint = ep
			pt.Created, pt.NotStored = s.Metrics.EndpointCounts(string(ep))
		}
		page, err := s.Store.Scan(ctx, t, 2, nil)
		if err == nil {
			pt.HintCount = int64(len(page.Rows))
			for page.NextCursor != nil {
				page, err = s.Store.Scan(ctx, t, 128, page.NextCursor)
				if err != nil {
					break
				}
				pt.HintCount += int64(len(page.Rows))
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

// TotalHintCount sums the hint count across every target currently
// holding hints, the equivalent of the original Cassandra manager's
// getTotalHintCount JMX operation.
func (s *Surface) TotalHintCount(ctx context.Context) (int64, error) {
	targets, err := s.ListPendingTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("hhctl: total_hint_count: %w", err)
	}
	var total int64
	for _, t := range targets {
		total += t.HintCount
	}
	return total, nil
}

// ScheduleHintDelivery is the manual trigger equivalent to the
// event-driven scheduling path: an operator asking HHM to try a target
// right now rather than waiting for the next sweep or liveness callback.
func (s *Surface) ScheduleHintDelivery(endpoint hhtypes.Endpoint) {
	s.Scheduler.Schedule(endpoint)
}

// EndpointCounts exposes the created/not-stored counters for endpoint
// from the metrics recorder, per §6's two-counters-per-endpoint surface.
func (s *Surface) EndpointCounts(endpoint hhtypes.Endpoint) (created, notStored int64) {
	return s.Metrics.EndpointCounts(string(endpoint))
}
