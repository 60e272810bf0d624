// Package idprovider implements the IdProvider collaborator contract from
// §4.1/§6: monotonic per-stream message IDs with an exact step-back for
// fragmentation (§3 invariant 3, §9 "ID monotonicity under fragmentation").
package idprovider

import (
	"sync"

	"go.uber.org/atomic"

	"relaynet/pkg/message"
)

// Provider is the IdProvider contract (§4.1, §6).
type Provider interface {
	// NextID assigns and returns the next monotonic ID for the stream msg
	// belongs to, also setting msg.ID.
	NextID(msg *message.Message) uint64
	// StepBack returns the most recently issued ID for msg's stream to the
	// pool: the next NextID call for that stream returns the same value
	// again. Used when fragmentation replaces a single Message with parts
	// (§4.2, §4.4 step 4).
	StepBack(msg *message.Message)
	// ResolveEveryClientMessage reports whether a server broadcast must
	// assign a fresh ID per recipient (true, "per-client streams") or reuse
	// one ID for every recipient (false, "shared broadcast ID") — §4.7.
	ResolveEveryClientMessage() bool
}

// streamKey identifies the monotonic stream a Message participates in. The
// teacher's Session tracked one MessageIndex/OrderIndex per connection; this
// generalizes that to (recipient, channel) so a single Provider can serve
// many peers (a server's per-client streams) or just one (a client's
// connection to its server).
type streamKey struct {
	recipient int32
	channel   uint8
}

func keyFor(msg *message.Message) streamKey {
	return streamKey{recipient: msg.ReceiverID, channel: msg.Channel}
}

// PerStream is a Provider that hands out a distinct monotonic counter per
// (recipient, channel) stream — §4.7's "per-client IDs" mode.
// ResolveEveryClientMessage returns true.
type PerStream struct {
	mu       sync.Mutex
	counters map[streamKey]*atomic.Uint64
}

// NewPerStream builds a PerStream provider.
func NewPerStream() *PerStream {
	return &PerStream{counters: make(map[streamKey]*atomic.Uint64)}
}

func (p *PerStream) counterFor(key streamKey) *atomic.Uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[key]
	if !ok {
		c = atomic.NewUint64(0)
		p.counters[key] = c
	}
	return c
}

// NextID implements Provider.
func (p *PerStream) NextID(msg *message.Message) uint64 {
	id := p.counterFor(keyFor(msg)).Add(1)
	msg.ID = id
	return id
}

// StepBack implements Provider. Exact: if the next-issued ID was n, after
// step-back the next call returns n again (§9).
func (p *PerStream) StepBack(msg *message.Message) {
	c := p.counterFor(keyFor(msg))
	for {
		cur := c.Load()
		if cur == 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ResolveEveryClientMessage implements Provider.
func (p *PerStream) ResolveEveryClientMessage() bool { return true }

// Shared is a Provider backed by a single monotonic counter shared by every
// recipient — §4.7's "shared ID" broadcast mode. ResolveEveryClientMessage
// returns false.
type Shared struct {
	counter *atomic.Uint64
}

// NewShared builds a Shared provider.
func NewShared() *Shared {
	return &Shared{counter: atomic.NewUint64(0)}
}

// NextID implements Provider.
func (s *Shared) NextID(msg *message.Message) uint64 {
	id := s.counter.Add(1)
	msg.ID = id
	return id
}

// StepBack implements Provider.
func (s *Shared) StepBack(msg *message.Message) {
	for {
		cur := s.counter.Load()
		if cur == 0 {
			return
		}
		if s.counter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ResolveEveryClientMessage implements Provider.
func (s *Shared) ResolveEveryClientMessage() bool { return false }
