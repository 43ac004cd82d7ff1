// Package hhsession implements the per-target delivery state machine of
// spec §4.5: preflight, adaptive paging, drain, and finalize. It is the
// heart of the Hinted Handoff Manager — every other component exists to
// feed it a target and get out of its way while it runs.
//
// Grounded on the teacher's internal/compact/compactor.go "stream
// through records, act per record, summarize at the end" loop shape and
// internal/storage/sqlite/delete.go's per-batch transaction pattern for
// the drain-then-advance-cursor step.
package hhsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhcodec"
	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhmetrics"
	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhthrottle"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// State is the delivery session's terminal classification.
type State int

const (
	// StateDone means the session paged through every hint for the
	// target (or found none) without being cut short.
	StateDone State = iota
	// StateAborted means the session exited early; Reason explains why
	// and Err is non-nil only for a genuine operational error.
	StateAborted
)

// Reason enumerates why a session aborted, matching §7's error taxonomy.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonStoreEmpty      Reason = "store_empty"
	ReasonPaused          Reason = "paused"
	ReasonSchemaTimeout   Reason = "schema_timeout"
	ReasonTargetDead      Reason = "target_dead"
	ReasonWriteTimeout    Reason = "write_timeout"
	ReasonUnreachable     Reason = "unreachable"
	ReasonCorruptMutation Reason = "corrupt_mutation"
	ReasonStorageError    Reason = "storage_error"
)

// Outcome is the result of one Session.Run call.
type Outcome struct {
	State    State
	Reason   Reason
	Replayed int
	Err      error
}

// Config bounds the session's adaptive and cooperative-cancellation
// behavior; all fields come from configuration keys named in spec §6.
type Config struct {
	// GlobalThrottleKB and the cluster size derive the rate limiter's
	// budget at session start, per §4.3. The cluster size is the number
	// of endpoints Deps.Membership reports at that moment; ClusterSize is
	// used when Membership is nil or reports none.
	GlobalThrottleKB int
	ClusterSize      int

	// InMemoryCompactionLimit drives the adaptive page-size formula.
	InMemoryCompactionLimit int
	// TombstoneWarnThreshold triggers a post-session compaction even when
	// the session did not run to completion.
	TombstoneWarnThreshold int
	// RingDelay bounds the schema-agreement waits at 2*RingDelay each.
	RingDelay time.Duration
	// SchemaPollInterval is the polling cadence during schema agreement
	// (spec default: 1s).
	SchemaPollInterval time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.SchemaPollInterval > 0 {
		return c.SchemaPollInterval
	}
	return time.Second
}

// Deps are the collaborators a session consumes, each a narrow interface
// from hhiface so tests substitute deterministic fakes, per §9's
// "dynamic dispatch over collaborators" design note.
type Deps struct {
	Store       hhstore.Store
	RPC         hhiface.RPC
	FailureDet  hhiface.FailureDetector
	Membership  hhiface.Membership
	Gossip      hhiface.GossipSchema
	Local       hhiface.LocalSchema
	Truncations TruncationTimes

	Paused PauseFlag
	Logger *slog.Logger
	Metric *hhmetrics.Recorder

	// Now is overridable for deterministic tombstone-residue tests.
	Now func() time.Time
}

// PauseFlag is the process-wide pause flag, read at every page and row
// boundary. Implemented by hhctl.Flag, which wraps an atomic.Bool; no
// mutex required.
type PauseFlag interface {
	IsPaused() bool
}

// TruncationTimes exposes, per column family, the wall-clock instant it
// was last truncated — consumed by hhcodec.StripTruncated. This is not
// one of spec §6's named external contracts, but a delivery session
// cannot implement §4.2's stripping rule without it; it is modeled as its
// own narrow capability interface for the same testability reasons as
// the contracts spec §6 does name (see DESIGN.md).
type TruncationTimes interface {
	Times(ctx context.Context) (map[string]time.Time, error)
}

type pendingDelete struct {
	key       hhtypes.HintKey
	writeTime int64
	future    hhiface.SendFuture
}

// Session is one delivery attempt for one target.
type Session struct {
	TargetID uuid.UUID
	Endpoint hhtypes.Endpoint

	deps Deps
	cfg  Config
}

// New constructs a Session. The caller (hhpool, via hhsched) is
// responsible for enforcing single-session-per-target admission before
// calling Run.
func New(targetID uuid.UUID, endpoint hhtypes.Endpoint, deps Deps, cfg Config) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{TargetID: targetID, Endpoint: endpoint, deps: deps, cfg: cfg}
}

// Run executes preflight, paging, draining, and finalize in sequence.
func (s *Session) Run(ctx context.Context) Outcome {
	ctx, span := s.deps.Metric.StartSessionSpan(ctx, s.TargetID.String())
	defer span.End()

	log := s.deps.Logger.With("target_id", s.TargetID.String())

	if out, proceed := s.preflight(ctx, log); !proceed {
		return out
	}

	clusterSize := s.cfg.ClusterSize
	if s.deps.Membership != nil {
		if n := len(s.deps.Membership.AllEndpoints()); n > 0 {
			clusterSize = n
		}
	}
	limiter := hhthrottle.New(s.cfg.GlobalThrottleKB, clusterSize)

	pageSize, err := s.pageSize(ctx)
	if err != nil {
		log.Error("hhm: stats lookup failed", "err", err)
		return Outcome{State: StateAborted, Reason: ReasonStorageError, Err: err}
	}

	replayed := 0
	finished := false
	var cursor *uuid.UUID
	var abortReason Reason
	var abortErr error

pagingLoop:
	for {
		if s.deps.Paused.IsPaused() {
			abortReason = ReasonPaused
			break
		}
		if !s.deps.FailureDet.IsAlive(s.Endpoint) {
			abortReason = ReasonTargetDead
			break
		}

		page, err := s.deps.Store.Scan(ctx, s.TargetID, pageSize, cursor)
		if err != nil {
			abortReason, abortErr = ReasonStorageError, err
			break
		}
		if s.deps.Metric != nil {
			s.deps.Metric.PageSize(ctx, s.TargetID.String(), pageSize)
		}
		if len(page.Rows) == 0 {
			finished = true
			break
		}

		truncations, err := s.deps.Truncations.Times(ctx)
		if err != nil {
			abortReason, abortErr = ReasonStorageError, err
			break
		}

		var pending []pendingDelete
		timedOutDispatch := false

		for _, row := range page.Rows {
			if s.deps.Paused.IsPaused() {
				abortReason = ReasonPaused
				timedOutDispatch = true // stop dispatching, still drain what's queued
				break
			}
			if !s.deps.FailureDet.IsAlive(s.Endpoint) {
				abortReason = ReasonTargetDead
				timedOutDispatch = true
				break
			}
			if row.Tombstone {
				continue
			}

			nowMillis := s.deps.Now().UnixMilli()
			if hhcodec.IsTombstoneResidue(row.ExpiresAtMillis(), nowMillis) {
				_ = s.deps.Store.Delete(ctx, row.Key, row.WriteTimeMicros)
				continue
			}

			mutation, err := hhcodec.Deserialize(row.MutationBytes, row.Key.MessageVersion)
			if err != nil {
				if errors.Is(err, hhcodec.ErrUnknownFamily) {
					_ = s.deps.Store.Delete(ctx, row.Key, row.WriteTimeMicros)
					continue
				}
				// Corrupt mutation bytes: fatal assertion per §7. This
				// aborts the session; it does not panic the process.
				abortReason, abortErr = ReasonCorruptMutation, fmt.Errorf("hhm: %s: %w", row.Key.HintID, err)
				timedOutDispatch = true
				break
			}

			stripped := hhcodec.StripTruncated(mutation, truncations, row.WriteTime())
			if stripped.IsEmpty() {
				_ = s.deps.Store.Delete(ctx, row.Key, row.WriteTimeMicros)
				continue
			}

			wire, err := hhcodec.Serialize(stripped, hhcodec.CurrentVersion)
			if err != nil {
				abortReason, abortErr = ReasonStorageError, err
				timedOutDispatch = true
				break
			}

			if err := limiter.Acquire(ctx, len(wire)); err != nil {
				abortReason, abortErr = ReasonStorageError, err
				timedOutDispatch = true
				break
			}

			future, err := s.deps.RPC.Send(ctx, s.Endpoint, hhcodec.CurrentVersion, wire)
			if err != nil {
				// The peer was never reachable for this send, distinct from
				// ReasonWriteTimeout below (reached, dispatched, ack never
				// arrived) — see SPEC_FULL.md §13.
				abortReason, abortErr = ReasonUnreachable, err
				timedOutDispatch = true
				break
			}

			pending = append(pending, pendingDelete{key: row.Key, writeTime: row.WriteTimeMicros, future: future})
		}

		// Drain every outstanding future for this page before advancing
		// the cursor, regardless of whether dispatch was cut short.
		sawTimeout := false
		for _, p := range pending {
			ack, err := p.future.Wait(ctx)
			if err != nil || ack.TimedOut {
				sawTimeout = true
				continue
			}
			if derr := s.deps.Store.Delete(ctx, p.key, p.writeTime); derr == nil {
				replayed++
				if s.deps.Metric != nil {
					s.deps.Metric.HintDelivered(ctx, s.TargetID.String())
				}
			}
		}

		if sawTimeout && abortReason == "" {
			abortReason = ReasonWriteTimeout
		}
		if abortReason != "" {
			break pagingLoop
		}
		if timedOutDispatch {
			break pagingLoop
		}

		cursor = page.NextCursor
		if cursor == nil {
			finished = true
			break
		}
	}

	outcome := s.finalize(ctx, log, finished, replayed, abortReason, abortErr)
	return outcome
}

func (s *Session) preflight(ctx context.Context, log *slog.Logger) (Outcome, bool) {
	empty, err := s.deps.Store.IsEmpty(ctx)
	if err != nil {
		return Outcome{State: StateAborted, Reason: ReasonStorageError, Err: err}, false
	}
	if empty {
		// No log spam: an empty store is the common steady state between
		// sweeps, not a noteworthy event.
		return Outcome{State: StateAborted, Reason: ReasonStoreEmpty}, false
	}

	if s.deps.Paused.IsPaused() {
		return Outcome{State: StateAborted, Reason: ReasonPaused}, false
	}

	if ok := s.waitSchemaAgreement(ctx); !ok {
		log.Debug("hhm: schema agreement wait did not converge, skipping")
		return Outcome{State: StateAborted, Reason: ReasonSchemaTimeout}, false
	}

	if !s.deps.FailureDet.IsAlive(s.Endpoint) {
		return Outcome{State: StateAborted, Reason: ReasonTargetDead}, false
	}

	return Outcome{}, true
}

// waitSchemaAgreement implements §4.5.1: two sequential bounded waits,
// each capped at 2*ring_delay and polled at pollInterval. A target that
// never publishes a schema state, or whose version never converges with
// ours in time, or that disappears from gossip mid-wait, all resolve to
// a silent ok=false — none of those are operator-visible errors.
func (s *Session) waitSchemaAgreement(ctx context.Context) bool {
	deadline := 2 * s.cfg.RingDelay
	interval := s.cfg.pollInterval()

	published := s.pollUntil(ctx, deadline, interval, func() bool {
		_, ok := s.deps.Gossip.SchemaState(s.Endpoint)
		return ok
	})
	if !published {
		return false
	}

	local := s.deps.Local.CurrentVersion()
	return s.pollUntil(ctx, deadline, interval, func() bool {
		v, ok := s.deps.Gossip.SchemaState(s.Endpoint)
		return ok && v == local
	})
}

func (s *Session) pollUntil(ctx context.Context, deadline, interval time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

// pageSize computes the adaptive page size of §4.5: clamp(
// in_memory_compaction_limit / avg_col, 2, 128), falling back to 128
// when the store reports no column statistics. The lower bound of 2 is
// required because Scan's paging primitive uses a strict inequality on
// the starting clustering key.
func (s *Session) pageSize(ctx context.Context) (int, error) {
	stats, err := s.deps.Store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.MeanColumns <= 0 {
		return 128, nil
	}
	avgCol := stats.MeanRowBytes / stats.MeanColumns
	if avgCol <= 0 {
		return 128, nil
	}
	limit := s.cfg.InMemoryCompactionLimit
	if limit <= 0 {
		return 128, nil
	}
	size := int(float64(limit) / avgCol)
	if size < 2 {
		size = 2
	}
	if size > 128 {
		size = 128
	}
	return size, nil
}

func (s *Session) finalize(ctx context.Context, log *slog.Logger, finished bool, replayed int, reason Reason, abortErr error) Outcome {
	shouldCompact := finished || replayed > s.cfg.TombstoneWarnThreshold
	if shouldCompact {
		if err := s.deps.Store.Flush(ctx); err != nil {
			log.Warn("hhm: flush failed", "err", err)
		}
		if err := s.deps.Store.Compact(ctx, s.TargetID); err != nil {
			log.Warn("hhm: compact failed", "err", err)
		}
	}

	if s.deps.Metric != nil {
		s.deps.Metric.SessionFinished(ctx, s.TargetID.String(), replayed)
		if !finished && reason != "" {
			s.deps.Metric.SessionAborted(ctx, s.TargetID.String(), string(reason))
		}
	}

	if finished {
		log.Debug("hhm: session finished", "replayed", replayed)
		return Outcome{State: StateDone, Replayed: replayed}
	}

	logFn := log.Debug
	if abortErr != nil {
		logFn = log.Error
	}
	logFn("hhm: session aborted", "reason", reason, "replayed", replayed, "err", abortErr)
	return Outcome{State: StateAborted, Reason: reason, Replayed: replayed, Err: abortErr}
}
