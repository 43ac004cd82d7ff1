// Package hhtestutil provides deterministic, in-memory fakes for every
// capability interface in internal/hhiface plus the session-local
// collaborators (PauseFlag, TruncationTimes), modeled on the teacher's
// internal/rpc/test_helpers.go fake-server pattern: each fake is a small
// mutex-guarded struct exposing both the production interface and a few
// test-only setters, rather than a generated mock.
package hhtestutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhiface"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// FakeFuture is a SendFuture that resolves immediately to a fixed Ack and
// error, set up by the test before the send that returns it.
type FakeFuture struct {
	Ack hhiface.Ack
	Err error
}

func (f FakeFuture) Wait(ctx context.Context) (hhiface.Ack, error) {
	return f.Ack, f.Err
}

// FakeRPC records every dispatched mutation and returns a scripted future
// per call, or a scripted error from Send itself.
type FakeRPC struct {
	mu sync.Mutex

	// NextFuture/NextErr, if set, are consumed (and cleared) by the next
	// Send call. When unset, Send succeeds with a non-timed-out ack.
	NextFuture hhiface.SendFuture
	NextErr    error

	// Hook, if set, runs after each Send call is recorded (before the
	// call returns), receiving the running sent count. Tests use it to
	// flip a pause flag or failure detector mid-page, exercising the
	// per-row boundary checks rather than the preflight ones.
	Hook func(sentCount int)

	Sent []SentMutation
}

// SentMutation is one recorded RPC.Send call.
type SentMutation struct {
	Target         hhtypes.Endpoint
	MessageVersion int
	Mutation       []byte
}

func (f *FakeRPC) Send(ctx context.Context, target hhtypes.Endpoint, messageVersion int, mutation []byte) (hhiface.SendFuture, error) {
	f.mu.Lock()
	f.Sent = append(f.Sent, SentMutation{Target: target, MessageVersion: messageVersion, Mutation: append([]byte(nil), mutation...)})
	sent := len(f.Sent)

	var err error
	var fut hhiface.SendFuture
	if f.NextErr != nil {
		err = f.NextErr
		f.NextErr = nil
	} else if f.NextFuture != nil {
		fut = f.NextFuture
		f.NextFuture = nil
	}
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(sent)
	}

	if err != nil {
		return nil, err
	}
	if fut != nil {
		return fut, nil
	}
	return FakeFuture{Ack: hhiface.Ack{TimedOut: false}}, nil
}

// ScriptFuture arranges for the next Send call to return future instead
// of the default immediate success.
func (f *FakeRPC) ScriptFuture(future hhiface.SendFuture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NextFuture = future
}

// ScriptError arranges for the next Send call to fail with err.
func (f *FakeRPC) ScriptError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NextErr = err
}

// SentCount returns how many mutations have been dispatched so far.
func (f *FakeRPC) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

var _ hhiface.RPC = (*FakeRPC)(nil)

// FakeFailureDetector lets a test flip an endpoint's liveness and fire
// the alive-subscription callbacks synchronously.
type FakeFailureDetector struct {
	mu        sync.Mutex
	alive     map[hhtypes.Endpoint]bool
	listeners []func(hhtypes.Endpoint)
}

// NewFakeFailureDetector builds a detector where every endpoint starts
// alive unless marked otherwise with SetAlive.
func NewFakeFailureDetector() *FakeFailureDetector {
	return &FakeFailureDetector{alive: make(map[hhtypes.Endpoint]bool)}
}

func (d *FakeFailureDetector) IsAlive(endpoint hhtypes.Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.alive[endpoint]
	if !ok {
		return true
	}
	return v
}

func (d *FakeFailureDetector) Subscribe(onAlive func(hhtypes.Endpoint)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.listeners)
	d.listeners = append(d.listeners, onAlive)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners[idx] = nil
	}
}

// SetAlive sets endpoint's liveness. Setting it to true fires every live
// subscriber synchronously, mirroring the teacher's own synchronous
// eventbus delivery in tests.
func (d *FakeFailureDetector) SetAlive(endpoint hhtypes.Endpoint, alive bool) {
	d.mu.Lock()
	d.alive[endpoint] = alive
	listeners := append([]func(hhtypes.Endpoint){}, d.listeners...)
	d.mu.Unlock()

	if !alive {
		return
	}
	for _, l := range listeners {
		if l != nil {
			l(endpoint)
		}
	}
}

var _ hhiface.FailureDetector = (*FakeFailureDetector)(nil)

// FakeMembership is a fixed, test-authored ring: one endpoint per host id.
type FakeMembership struct {
	mu   sync.Mutex
	byID map[uuid.UUID]hhtypes.Endpoint
}

// NewFakeMembership builds an empty ring; use Add to populate it.
func NewFakeMembership() *FakeMembership {
	return &FakeMembership{byID: make(map[uuid.UUID]hhtypes.Endpoint)}
}

// Add registers a host id/endpoint pair as a cluster member.
func (m *FakeMembership) Add(hostID uuid.UUID, endpoint hhtypes.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[hostID] = endpoint
}

// Remove drops a member, simulating a token leaving the ring.
func (m *FakeMembership) Remove(hostID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, hostID)
}

func (m *FakeMembership) EndpointFor(target uuid.UUID) (hhtypes.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.byID[target]
	return ep, ok
}

func (m *FakeMembership) HostID(endpoint hhtypes.Endpoint) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ep := range m.byID {
		if ep == endpoint {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (m *FakeMembership) AllEndpoints() []hhtypes.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hhtypes.Endpoint, 0, len(m.byID))
	for _, ep := range m.byID {
		out = append(out, ep)
	}
	return out
}

func (m *FakeMembership) IsMember(endpoint hhtypes.Endpoint) bool {
	_, ok := m.HostID(endpoint)
	return ok
}

var _ hhiface.Membership = (*FakeMembership)(nil)

// FakeGossip lets a test script each endpoint's advertised schema version
// independently, including "not yet published" (absent from the map).
type FakeGossip struct {
	mu    sync.Mutex
	state map[hhtypes.Endpoint]hhtypes.SchemaVersion
}

func NewFakeGossip() *FakeGossip {
	return &FakeGossip{state: make(map[hhtypes.Endpoint]hhtypes.SchemaVersion)}
}

func (g *FakeGossip) Publish(endpoint hhtypes.Endpoint, version hhtypes.SchemaVersion) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[endpoint] = version
}

func (g *FakeGossip) Withdraw(endpoint hhtypes.Endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.state, endpoint)
}

func (g *FakeGossip) SchemaState(endpoint hhtypes.Endpoint) (hhtypes.SchemaVersion, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.state[endpoint]
	return v, ok
}

var _ hhiface.GossipSchema = (*FakeGossip)(nil)

// FakeLocalSchema reports a fixed local schema version, mutable via Set
// so a test can model a live schema migration mid-session.
type FakeLocalSchema struct {
	mu      sync.Mutex
	version hhtypes.SchemaVersion
}

func NewFakeLocalSchema(version hhtypes.SchemaVersion) *FakeLocalSchema {
	return &FakeLocalSchema{version: version}
}

func (l *FakeLocalSchema) Set(version hhtypes.SchemaVersion) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = version
}

func (l *FakeLocalSchema) CurrentVersion() hhtypes.SchemaVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

var _ hhiface.LocalSchema = (*FakeLocalSchema)(nil)

// FakePauseFlag is a test-settable PauseFlag, avoiding a dependency on
// hhctl.Flag from session-level tests.
type FakePauseFlag struct {
	paused bool
	mu     sync.Mutex
}

func (f *FakePauseFlag) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *FakePauseFlag) Set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = v
}

// FakeTruncations is a test-settable per-family truncation time map.
type FakeTruncations struct {
	mu    sync.Mutex
	times map[string]time.Time
	err   error
}

func NewFakeTruncations() *FakeTruncations {
	return &FakeTruncations{times: make(map[string]time.Time)}
}

func (t *FakeTruncations) SetTruncated(family string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times[family] = at
}

// FailNext arranges for the next Times call to return err instead.
func (t *FakeTruncations) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *FakeTruncations) Times(ctx context.Context) (map[string]time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		err := t.err
		t.err = nil
		return nil, err
	}
	out := make(map[string]time.Time, len(t.times))
	for k, v := range t.times {
		out[k] = v
	}
	return out, nil
}

// ErrScripted is a sentinel usable with ScriptError/FailNext so tests can
// assert on a specific, recognizable failure without fabricating ad hoc
// error strings.
var ErrScripted = fmt.Errorf("hhtestutil: scripted failure")
