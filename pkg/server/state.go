// Package server implements the Server extension (§4.7, §4.8): the
// multi-client collaborator built on top of pkg/peer.Controller that adds a
// client registry, liveness tracking, keep-alive pulses and broadcast
// fan-out. Grounded on the teacher's source/server/server.go (Players map,
// updateLoop/sessionCleanupLoop tickers, BroadcastMessage), generalized from
// a fixed SA-MP Player record into the spec's client state machine.
package server

import (
	"sync"

	"go.uber.org/atomic"

	"relaynet/pkg/message"
)

// ClientState is the registration state machine §4.7 describes:
// UNKNOWN -> REGISTERED -> (TIMED_OUT | LEFT).
type ClientState int

const (
	// StateUnknown is a client_id the server has never seen a
	// ConnectRequest from.
	StateUnknown ClientState = iota
	// StateRegistered is an active, live client.
	StateRegistered
	// StateTimedOut is a registered client whose liveness deadline elapsed
	// without a keep-alive or other traffic (§4.7 "Liveness").
	StateTimedOut
	// StateLeft is a client that sent a graceful LeaveRequest.
	StateLeft
)

func (s ClientState) String() string {
	switch s {
	case StateRegistered:
		return "REGISTERED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateLeft:
		return "LEFT"
	default:
		return "UNKNOWN"
	}
}

// clientInfo is one row of the client registry (§4.7: "client_id ->
// remote_address" plus the parallel "client_id -> last_received_timestamp"
// map). The two maps the spec describes separately are kept as one struct
// per client here, guarded by the registry's single mutex — simpler than
// keeping two maps in lockstep, and the teacher's own Players map already
// does it this way (one record per player, not parallel arrays).
type clientInfo struct {
	id      int32
	addr    message.RecipientAddr
	state   ClientState
	lastSeen           atomic.Int64
	lastConnectRequest atomic.Int64
	lastKeepAliveSent  atomic.Int64
}

// registry is the concurrent-safe client table. A single RWMutex protects
// the map structure (insert/delete/iterate); the per-client atomic fields
// allow lastSeen updates from the inbox-drain goroutine without taking the
// write lock on every packet (§9: "concurrent registry access... since the
// UdpPeer collaborator may deliver on its own thread").
//
// required tracks client IDs registration has marked required-but-not-ready
// per §4.7 ("if expected_client_ids is empty or contains c, mark c as
// required-but-not-ready in required_clients"). It is the third of the
// spec's three parallel maps (registry, last_received, required_clients),
// kept as its own set beside clients: register marks an ID right after
// inserting it, and remove deletes the ID from both.
type registry struct {
	mu       sync.RWMutex
	clients  map[int32]*clientInfo
	required map[int32]struct{}
}

func newRegistry() *registry {
	return &registry{
		clients:  make(map[int32]*clientInfo),
		required: make(map[int32]struct{}),
	}
}

func (r *registry) get(id int32) (*clientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) insert(c *clientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

func (r *registry) remove(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	delete(r.required, id)
}

// markRequired adds id to the required-but-not-ready set (§4.7
// Registration).
func (r *registry) markRequired(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.required[id] = struct{}{}
}

// requiredSnapshot returns the current required-but-not-ready client IDs.
func (r *registry) requiredSnapshot() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.required))
	for id := range r.required {
		out = append(out, id)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// snapshot returns a stable slice of the current clients for iteration
// (liveness sweep, broadcast fan-out) without holding the lock while
// running per-client logic that may itself call back into the registry.
func (r *registry) snapshot() []*clientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*clientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
