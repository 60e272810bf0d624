package peer

import (
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaynet/pkg/message"
	"relaynet/pkg/pipeline"
)

// Controller is PeerController (§3, §4.6): the lifecycle + outbound pacing
// loop wrapping a transport.Peer and the two pipelines. Grounded on the
// teacher's Server.updateLoop/sessionCleanupLoop ticker goroutines
// (source/server/server.go), generalized from a SA-MP game loop into the
// generic "process() driven periodically by the host" shape §4.6 describes.
type Controller struct {
	cfg   *Config
	state *State
	send  *pipeline.SendPipeline
	recv  *pipeline.ReceivePipeline

	// Outbound FIFO queue (§4.6: "messages enqueued for send are not
	// transmitted immediately; they wait in a FIFO queue drained at a
	// paced interval").
	queueMu       sync.Mutex
	queue         []*message.Message
	queueDelayInc int64 // accumulated ticks since the last pop, in clock units.
	lastTick      int64

	// inbox is the lock-free hand-off point for messages the transport's
	// reader goroutine decodes (§9: "since the UdpPeer collaborator may
	// deliver on its own thread, funnel all delivery into the processing
	// thread via a channel rather than touching shared state directly").
	inbox chan *message.Message

	eg      *errgroup.Group
	running bool
	mu      sync.Mutex
}

// New builds a Controller from cfg and a fresh State. cfg must not be
// mutated after Start (the Chain it references is frozen there too).
func New(cfg *Config) *Controller {
	return &Controller{
		cfg:   cfg,
		state: NewState(),
		send: &pipeline.SendPipeline{
			Transport:     cfg.Transport,
			Chain:         cfg.Chain,
			IDs:           cfg.IDs,
			Fragmenter:    cfg.Fragmenter,
			MaxPacketSize: cfg.MaxPacketSize,
			AutoSplit:     cfg.AutoSplitTooBigMessages,
			Metrics:       cfg.Metrics,
			Log:           cfg.Log,
		},
		recv: &pipeline.ReceivePipeline{
			Chain:    cfg.Chain,
			Dispatch: cfg.Dispatch,
			External: cfg.External,
			Metrics:  cfg.Metrics,
			Log:      cfg.Log,
		},
		inbox: make(chan *message.Message, 256),
	}
}

// State exposes the Processable registry so pkg/server can add its liveness
// sweep alongside the queue drain.
func (c *Controller) State() *State { return c.state }

// Enqueue appends msg to the outbound FIFO queue (§4.6). It does not send
// synchronously — Process drains the queue on its own pacing schedule.
func (c *Controller) Enqueue(msg *message.Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()
}

// QueueLen reports the current outbound FIFO queue depth. Mainly useful for
// tests and for wiring into internal/metrics' queue depth gauge.
func (c *Controller) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// Start opens the transport, freezes the processor chain (§4.3 "immutable
// after peer start"), and launches the inbox-drain goroutine that feeds
// decoded messages into the receive pipeline. A false return is a
// LifecycleFailure (§7): the caller must not treat the peer as connected.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return true
	}

	c.cfg.Chain.Freeze()

	if !c.cfg.Transport.Start() {
		c.log().Error("peer: transport start failed")
		return false
	}

	c.eg = &errgroup.Group{}
	c.eg.Go(func() error {
		for msg := range c.inbox {
			c.recv.Receive(msg, message.ResolveContext{Now: c.cfg.Clock.Now()})
		}
		return nil
	})

	c.lastTick = c.cfg.Clock.Now()
	c.running = true
	c.log().Info("peer: started")
	return true
}

// Deliver is the callback the host wires to its transport's raw-datagram
// hook: decode via cfg.Decoder, then push onto the lock-free inbox. Safe to
// call from the transport's own reader goroutine.
func (c *Controller) Deliver(data []byte, from *net.UDPAddr) {
	if c.cfg.Decoder == nil {
		return
	}
	msg, ok := c.cfg.Decoder.Decode(data, from)
	if !ok {
		return
	}
	msg.FromAddr = from
	select {
	case c.inbox <- msg:
	default:
		c.log().Warn("peer: inbox full, dropping inbound message")
	}
}

// Process is the host-driven tick (§4.6 step: "iterate State's processables
// ... invoke UdpPeer.Process()"). It both drains the paced outbound queue
// and runs every registered Processable (server liveness sweep, etc).
func (c *Controller) Process() {
	now := c.cfg.Clock.Now()
	elapsed := now - c.lastTick
	c.lastTick = now

	c.queueDelayInc += elapsed
	if c.queueDelayInc > c.cfg.QueuedMessagesDelay && c.QueueLen() > 0 {
		c.queueDelayInc = 0
		c.drainOne()
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetQueueDepth(c.QueueLen())
	}

	c.state.RunProcessables()
	c.cfg.Transport.Process()
}

// drainOne pops and sends the oldest queued Message, if any.
func (c *Controller) drainOne() {
	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.queueMu.Unlock()
		return
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	c.queueMu.Unlock()

	result := c.send.Send(msg, message.ResolveContext{Now: c.cfg.Clock.Now()})
	if !result.OK && len(result.Parts) > 0 {
		for _, part := range result.Parts {
			c.Enqueue(part)
		}
	}
}

// SendNow runs msg through the send pipeline synchronously, bypassing the
// paced queue. Used for latency-sensitive CONTROL messages (connect/leave
// requests, acks) where §4.7/§4.8 call for an immediate reply rather than
// waiting out queued_messages_delay.
func (c *Controller) SendNow(msg *message.Message) pipeline.SendResult {
	result := c.send.Send(msg, message.ResolveContext{Now: c.cfg.Clock.Now()})
	if !result.OK && len(result.Parts) > 0 {
		for _, part := range result.Parts {
			c.Enqueue(part)
		}
	}
	return result
}

// Stop sends a LeaveRequest, then closes the transport and the inbox-drain
// goroutine (§3 lifecycle: "stop() sends a leave request, discards in-flight
// queued messages, and closes the UdpPeer").
func (c *Controller) Stop(clientID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.SendNow(message.NewLeaveRequest(clientID))

	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()

	c.cfg.Transport.Stop()
	close(c.inbox)
	if err := c.eg.Wait(); err != nil {
		c.log().Warn("peer: inbox drain goroutine returned error", zap.Error(err))
	}
	c.running = false
	c.log().Info("peer: stopped")
}

func (c *Controller) log() *zap.Logger {
	if c.cfg.Log == nil {
		return zap.NewNop()
	}
	return c.cfg.Log
}

// udpAddr adapts *net.UDPAddr to message.RecipientAddr.
type udpAddr struct{ a *net.UDPAddr }

func (u udpAddr) String() string { return u.a.String() }
