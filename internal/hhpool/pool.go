// Package hhpool implements the bounded delivery worker pool of spec
// §4.4/§5: one goroutine per admitted submission, gated by a semaphore
// sized to max_hint_threads, with a mutex-guarded add-if-absent
// "in-flight targets" set enforcing at most one session per target
// within this process. Grounded on the teacher's
// internal/coop/monitor.go ticker/channel pump for the goroutine
// lifecycle shape.
package hhpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work submitted to the pool: a delivery session for
// a single target.
type Task func(ctx context.Context)

// Pool bounds concurrent delivery sessions and guarantees single-session-
// per-target admission.
type Pool struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	wg sync.WaitGroup
}

// New creates a Pool admitting at most maxConcurrency sessions at once.
func New(maxConcurrency int) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Submit admits targetID via add-if-absent on the in-flight set; a
// duplicate submission for a target already running is a no-op and
// returns false. Admission happens synchronously before the task starts
// running; release happens on every exit path of task, guaranteed by a
// defer inside the spawned goroutine.
func (p *Pool) Submit(ctx context.Context, targetID uuid.UUID, task Task) bool {
	p.mu.Lock()
	if _, busy := p.inFlight[targetID]; busy {
		p.mu.Unlock()
		return false
	}
	p.inFlight[targetID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(targetID)

		// Acquiring the semaphore blocks this goroutine, not the caller
		// of Submit: submissions beyond max_hint_threads queue here
		// rather than at the in-flight-set admission gate, per §4.4.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		task(ctx)
	}()
	return true
}

// IsInFlight reports whether targetID currently has an active session.
func (p *Pool) IsInFlight(targetID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inFlight[targetID]
	return busy
}

func (p *Pool) release(targetID uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, targetID)
	p.mu.Unlock()
}

// Wait blocks until every submitted task has returned. Intended for
// tests and for graceful daemon shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}
