// Package hhiface declares the narrow capability interfaces the Hinted
// Handoff Manager consumes from the rest of the cluster: the RPC
// transport, the failure detector, the membership view, and the gossip
// schema surface. Every production dependency and every deterministic
// test fake implements these, never a concrete struct passed around
// directly — this is what lets hhsession and hhsched be tested without a
// network or a real cluster.
package hhiface

import (
	"context"

	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhtypes"
)

// Ack is the result of a remote write dispatch.
type Ack struct {
	// TimedOut is true when the RPC layer gave up waiting for the peer's
	// acknowledgement. It is not a transport error; the session treats it
	// as a signal to abort after draining the current page.
	TimedOut bool
}

// SendFuture is returned by RPC.Send; the caller waits on it once the
// page's writes have all been dispatched (the drain step of §4.5).
type SendFuture interface {
	// Wait blocks until the peer acknowledges or the context is done.
	Wait(ctx context.Context) (Ack, error)
}

// RPC is the wire transport used to deliver a hinted mutation to its
// target. Connection management and retry within a single send are the
// transport's responsibility, not the session's.
type RPC interface {
	Send(ctx context.Context, target hhtypes.Endpoint, messageVersion int, mutation []byte) (SendFuture, error)
}

// FailureDetector reports peer liveness and notifies subscribers when a
// peer transitions from down to up.
type FailureDetector interface {
	IsAlive(endpoint hhtypes.Endpoint) bool
	// Subscribe registers a callback invoked with the endpoint whenever it
	// is newly observed alive. The returned function cancels the
	// subscription.
	Subscribe(onAlive func(hhtypes.Endpoint)) (cancel func())
}

// Membership resolves between peer identity and network endpoint and
// enumerates the live ring.
type Membership interface {
	EndpointFor(target uuid.UUID) (hhtypes.Endpoint, bool)
	HostID(endpoint hhtypes.Endpoint) (uuid.UUID, bool)
	AllEndpoints() []hhtypes.Endpoint
	IsMember(endpoint hhtypes.Endpoint) bool
}

// GossipSchema exposes the schema version a peer is currently advertising.
type GossipSchema interface {
	SchemaState(endpoint hhtypes.Endpoint) (hhtypes.SchemaVersion, bool)
}

// LocalSchema exposes this node's own published schema version, compared
// against a target's GossipSchema state during preflight.
type LocalSchema interface {
	CurrentVersion() hhtypes.SchemaVersion
}
