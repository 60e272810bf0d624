// Package pipeline implements the ProcessorChain, SendPipeline and
// ReceivePipeline components (§4.3-§4.5): the four ordered processor lists,
// the six-step send sequence, and the four-step receive sequence, plus the
// instant-vs-external dispatch table §9 calls for.
package pipeline

import (
	"sync"

	"relaynet/pkg/message"
)

// Processor is a pluggable pipeline stage: "a pure function Message →
// Option<Message>" (§4.3). Returning ok=false discards the Message at that
// stage (§4.3 "A None return discards the message... pipeline returns
// failure without progressing").
type Processor func(*message.Message) (*message.Message, bool)

// Chain holds the four ordered processor lists §2's component table lists
// for ProcessorChain, plus the single reserved congestion-control hook
// (§4.3, §9 Open Question (a)). It becomes immutable once Freeze is called,
// matching "The chain is immutable after peer start."
type Chain struct {
	mu sync.RWMutex

	congestionControl Processor // before_congestion_control hook; nil = no-op.
	senderPre          []Processor
	senderPost         []Processor
	receiverPre        []Processor
	receiverPost       []Processor

	frozen bool
}

// New builds an empty Chain.
func New() *Chain {
	return &Chain{}
}

func (c *Chain) checkMutable() {
	if c.frozen {
		panic("pipeline: chain is frozen and cannot be modified after peer start")
	}
}

// Freeze prevents further registration. Called once by PeerController.Start
// (§4.3 "immutable after peer start").
func (c *Chain) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// SetCongestionControl registers the single reserved congestion-control
// hook. The core does not implement an algorithm here (§9 Open Question
// (a)) — this is the seam a policy plugs into.
func (c *Chain) SetCongestionControl(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkMutable()
	c.congestionControl = p
}

// AddSenderPre appends a processor to the sender-pre (before_send) chain.
// Order is registration order, per §4.3 "Order within a sequence is
// configuration-defined and stable."
func (c *Chain) AddSenderPre(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkMutable()
	c.senderPre = append(c.senderPre, p)
}

// AddSenderPost appends a processor to the sender-post (after_send) chain.
func (c *Chain) AddSenderPost(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkMutable()
	c.senderPost = append(c.senderPost, p)
}

// AddReceiverPre appends a processor to the receiver-pre (before_receive)
// chain.
func (c *Chain) AddReceiverPre(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkMutable()
	c.receiverPre = append(c.receiverPre, p)
}

// AddReceiverPost appends a processor to the receiver-post (after_receive)
// chain.
func (c *Chain) AddReceiverPost(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkMutable()
	c.receiverPost = append(c.receiverPost, p)
}

// run executes a processor list in order, stopping at the first discard.
func run(list []Processor, msg *message.Message) (*message.Message, bool) {
	for _, p := range list {
		var ok bool
		msg, ok = p(msg)
		if !ok {
			return nil, false
		}
	}
	return msg, true
}

// RunCongestionControl runs the reserved hook, if any, ahead of
// before_send (§4.3 ordering: before_congestion_control → placeholder →
// before_send).
func (c *Chain) RunCongestionControl(msg *message.Message) (*message.Message, bool) {
	c.mu.RLock()
	cc := c.congestionControl
	c.mu.RUnlock()
	if cc == nil {
		return msg, true
	}
	return cc(msg)
}

// RunSenderPre runs the before_send chain.
func (c *Chain) RunSenderPre(msg *message.Message) (*message.Message, bool) {
	c.mu.RLock()
	list := c.senderPre
	c.mu.RUnlock()
	return run(list, msg)
}

// RunSenderPost runs the after_send chain.
func (c *Chain) RunSenderPost(msg *message.Message) (*message.Message, bool) {
	c.mu.RLock()
	list := c.senderPost
	c.mu.RUnlock()
	return run(list, msg)
}

// RunReceiverPre runs the before_receive chain.
func (c *Chain) RunReceiverPre(msg *message.Message) (*message.Message, bool) {
	c.mu.RLock()
	list := c.receiverPre
	c.mu.RUnlock()
	return run(list, msg)
}

// RunReceiverPost runs the after_receive chain.
func (c *Chain) RunReceiverPost(msg *message.Message) (*message.Message, bool) {
	c.mu.RLock()
	list := c.receiverPost
	c.mu.RUnlock()
	return run(list, msg)
}
