package server

import (
	"net"

	"go.uber.org/zap"

	"relaynet/internal/metrics"
	"relaynet/pkg/message"
	"relaynet/pkg/peer"
	"relaynet/pkg/pipeline"
	"relaynet/pkg/transport"
)

// Hooks are the on_register/on_unregister collaborator contract §4.7
// describes, letting the host react to registry changes (e.g. game-mode
// spawn logic in the teacher's handlePlayerJoin) without the Server package
// knowing anything about application semantics.
type Hooks struct {
	OnRegister   func(clientID int32)
	OnUnregister func(clientID int32, reason string)
}

// Server is the Server extension (§4.7, §4.8): a peer.Controller plus a
// client registry, liveness sweep, keep-alive pulse and broadcast fan-out.
type Server struct {
	cfg  *peer.Config
	ctrl *peer.Controller
	reg  *registry
	hooks Hooks

	// appReceiver is the application's own Receiver; Server wraps it so it
	// can intercept broadcast Messages and re-fan them out before handing
	// the original off to application code (§4.7 "broadcast re-fan-out").
	appReceiver transport.Receiver

	metrics *metrics.Set
	log     *zap.Logger
}

// New builds a Server. cfg.Host should be true; cfg.External is consumed as
// the application receiver and replaced internally so Server can sit in the
// receive path.
func New(cfg *peer.Config, hooks Hooks) *Server {
	s := &Server{
		cfg:         cfg,
		reg:         newRegistry(),
		hooks:       hooks,
		appReceiver: cfg.External,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
	}
	cfg.External = s

	if cfg.Dispatch == nil {
		cfg.Dispatch = pipeline.NewDispatch()
	}
	cfg.Dispatch.Register(message.KindConnectRequest, s.handleConnectRequest)
	cfg.Dispatch.Register(message.KindLeaveRequest, s.handleLeaveRequest)

	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.ctrl = peer.New(cfg)
	s.ctrl.State().AddProcessable(s)
	return s
}

// Start opens the underlying transport and freezes the processor chain.
func (s *Server) Start() bool {
	return s.ctrl.Start()
}

// Stop closes the server, sending a LeaveRequest on clientID's behalf (§3
// lifecycle). clientID is typically a reserved server identity, not a
// registered client's.
func (s *Server) Stop(clientID int32) {
	s.ctrl.Stop(clientID)
}

// Tick drives one host process() iteration (§4.6): draining the paced
// outbound queue and running every registered Processable, including this
// Server's own liveness sweep (Process, below). The host's event loop calls
// this, not Process directly.
func (s *Server) Tick() {
	s.ctrl.Process()
}

// Deliver decodes and funnels an inbound datagram into the registry/receive
// pipeline. The host wires its transport.Peer's raw-datagram callback here,
// the same contract as peer.Controller.Deliver.
func (s *Server) Deliver(data []byte, from *net.UDPAddr) {
	s.ctrl.Deliver(data, from)
}

// AddProcessable registers an extra Processable (e.g. a reliability
// processor's resend sweep) to tick alongside Server's own liveness sweep.
func (s *Server) AddProcessable(p peer.Processable) {
	s.ctrl.State().AddProcessable(p)
}

// Enqueue exposes the underlying Controller's paced outbound queue, mainly
// for external Processors (e.g. examples/ackprocessor's resend sweep) that
// need to requeue a Message without reaching into Server's internals.
func (s *Server) Enqueue(msg *message.Message) {
	s.ctrl.Enqueue(msg)
}

// ClientCount reports the number of REGISTERED clients.
func (s *Server) ClientCount() int {
	n := 0
	for _, c := range s.reg.snapshot() {
		if c.state == StateRegistered {
			n++
		}
	}
	return n
}

// RequiredClients reports the client IDs currently marked
// required-but-not-ready (§4.7 Registration, §6 expected_client_ids).
func (s *Server) RequiredClients() []int32 {
	return s.reg.requiredSnapshot()
}

// handleConnectRequest implements registration (§4.7). A ConnectRequest
// arriving within TimeSinceLastConnectRequest of the prior one is a
// duplicate (e.g. a retransmitted connect packet) and only refreshes
// timestamps. Past that window, a ConnectRequest from an already-registered
// client is a re-join: the old entry is unregistered (firing on_unregister)
// before the new address is registered (firing on_register) — §4.7 "If c is
// already registered, unregister it first."
func (s *Server) handleConnectRequest(msg *message.Message) {
	now := s.cfg.Clock.Now()
	clientID := msg.SenderID

	if existing, ok := s.reg.get(clientID); ok && existing.state == StateRegistered {
		last := existing.lastConnectRequest.Load()
		if now-last < s.cfg.TimeSinceLastConnectRequest {
			existing.lastConnectRequest.Store(now)
			existing.lastSeen.Store(now)
			return
		}
		s.unregister(clientID, "rejoin")
	}

	s.register(clientID, msg.FromAddr, now)
}

// register inserts a new registry entry for clientID at addr, marks it
// required if expected_client_ids calls for it, and fires on_register.
func (s *Server) register(clientID int32, addr message.RecipientAddr, now int64) {
	info := &clientInfo{id: clientID, addr: addr, state: StateRegistered}
	info.lastSeen.Store(now)
	info.lastConnectRequest.Store(now)
	// Defer the first keep-alive by one full interval so a client that
	// just announced itself isn't immediately pulsed on the very next
	// liveness tick (an Open Question resolved in favor of the simpler,
	// less chatty behavior).
	info.lastKeepAliveSent.Store(now)
	s.reg.insert(info)

	if len(s.cfg.ExpectedClientIDs) == 0 {
		s.reg.markRequired(clientID)
	} else if _, ok := s.cfg.ExpectedClientIDs[clientID]; ok {
		s.reg.markRequired(clientID)
	}

	if s.metrics != nil {
		s.metrics.SetClientCount(s.reg.count())
	}
	s.log.Info("server: client registered", zap.Int32("client_id", clientID))
	if s.hooks.OnRegister != nil {
		s.hooks.OnRegister(clientID)
	}
}

// unregister removes clientID from the registry's three parallel maps and
// fires on_unregister (§4.7 Liveness/Registration).
func (s *Server) unregister(clientID int32, reason string) {
	s.reg.remove(clientID)
	if s.metrics != nil {
		s.metrics.SetClientCount(s.reg.count())
	}
	if reason == "timeout" {
		s.log.Warn("server: client timed out", zap.Int32("client_id", clientID))
	} else {
		s.log.Info("server: client unregistered", zap.Int32("client_id", clientID), zap.String("reason", reason))
	}
	if s.hooks.OnUnregister != nil {
		s.hooks.OnUnregister(clientID, reason)
	}
}

// handleLeaveRequest implements graceful disconnect (§4.7/§4.8).
func (s *Server) handleLeaveRequest(msg *message.Message) {
	s.unregister(msg.SenderID, "left")
}

// Receive implements transport.Receiver. A Message from a sender the
// registry doesn't know as REGISTERED is logged and dropped (§4.7
// "Unknown-sender policy", §7 UnknownSender) — ConnectRequest is exempt
// since it's precisely how a sender becomes known in the first place, though
// in practice it never reaches here (the dispatch table intercepts it before
// the external receiver does). A known sender's liveness timestamp is
// refreshed, then — if the Message is a broadcast — it's re-fanned-out to
// every other registered client before being handed to the application.
func (s *Server) Receive(msg *message.Message) {
	info, ok := s.reg.get(msg.SenderID)
	known := ok && info.state == StateRegistered
	if !known && msg.Kind != message.KindConnectRequest {
		s.log.Warn("server: dropping message from unregistered sender",
			zap.Int32("client_id", msg.SenderID), zap.String("class", msg.Class()))
		return
	}
	if known {
		info.lastSeen.Store(s.cfg.Clock.Now())
	}

	if msg.Broadcast() {
		s.fanOut(msg)
	}

	if s.appReceiver != nil {
		s.appReceiver.Receive(msg)
	}
}

// fanOut re-sends msg to every registered client except the sender, unless
// SendBroadcastBackToSender is set (§4.7 "broadcast re-fan-out" / "Broadcast
// send"). The two IdProvider-selected modes run msg's own resolve step once,
// then diverge in how much of the remaining send sequence (createPayload,
// before_send, after_send) is shared across recipients versus repeated per
// recipient — this orchestrates those steps directly against the transport
// and chain rather than delegating to the generic per-message SendPipeline,
// which would re-run every step once per recipient regardless of mode.
func (s *Server) fanOut(msg *message.Message) {
	if err := msg.Resolve(message.ResolveContext{Now: s.cfg.Clock.Now()}); err != nil {
		s.log.Warn("server: broadcast feature resolve failed", zap.Error(err))
		return
	}
	msg.PrepareToSend()

	var recipients []*clientInfo
	for _, c := range s.reg.snapshot() {
		if c.state != StateRegistered {
			continue
		}
		if c.id == msg.SenderID && !msg.SendBroadcastBackToSender() {
			continue
		}
		recipients = append(recipients, c)
	}
	if len(recipients) == 0 {
		return
	}

	if s.cfg.IDs.ResolveEveryClientMessage() {
		s.fanOutPerClient(msg, recipients)
	} else {
		s.fanOutShared(msg, recipients)
	}
}

// fanOutPerClient implements §4.7's per-client-ID broadcast mode: a fresh
// msg_id, payload, before_send and after_send for every recipient (§8 S5).
func (s *Server) fanOutPerClient(msg *message.Message, recipients []*clientInfo) {
	for _, c := range recipients {
		out := msg.CloneForRecipient(c.addr)
		out.ReceiverID = c.id
		out.PrepareToSend()
		s.cfg.IDs.NextID(out)

		if !s.cfg.Transport.CreatePayload(out) {
			s.log.Warn("server: broadcast payload encoding failed", zap.Int32("client_id", c.id))
			continue
		}
		var ok bool
		out, ok = s.cfg.Chain.RunSenderPre(out)
		if !ok {
			continue
		}
		if err := s.cfg.Transport.Send(out); err != nil {
			s.log.Warn("server: broadcast send failed", zap.Int32("client_id", c.id), zap.Error(err))
			continue
		}
		if s.metrics != nil && !out.Flags.IsResend {
			s.metrics.OutgoingClass(out.Class())
		}
		s.cfg.Chain.RunSenderPost(out)
	}
}

// fanOutShared implements §4.7's shared-ID broadcast mode (§8 S4): one
// msg_id, one payload, one before_send/after_send pair for the whole
// fan-out; only receiver_id and the recipient address vary per send.
func (s *Server) fanOutShared(msg *message.Message, recipients []*clientInfo) {
	shared := msg.CloneForRecipient(nil)
	shared.PrepareToSend()
	s.cfg.IDs.NextID(shared)

	if !s.cfg.Transport.CreatePayload(shared) {
		s.log.Warn("server: broadcast payload encoding failed")
		return
	}
	var ok bool
	shared, ok = s.cfg.Chain.RunSenderPre(shared)
	if !ok {
		return
	}

	// Each recipient gets its own lightweight clone carrying the already-
	// encoded Payload and the shared msg_id — transmission never re-runs
	// createPayload/before_send, only Recipient/receiver_id vary per send.
	sent := 0
	for _, c := range recipients {
		out := shared.CloneForRecipient(c.addr)
		out.ID = shared.ID
		out.ReceiverID = c.id
		if err := s.cfg.Transport.Send(out); err != nil {
			s.log.Warn("server: broadcast send failed", zap.Int32("client_id", c.id), zap.Error(err))
			continue
		}
		sent++
	}

	if sent > 0 && s.metrics != nil && !shared.Flags.IsResend {
		s.metrics.OutgoingClass(shared.Class())
	}
	shared.ReceiverID = 0
	s.cfg.Chain.RunSenderPost(shared)
}

// DirectSend queues msg for exactly one registered client (§4.7 "Direct
// send"). Returns false if clientID isn't registered.
func (s *Server) DirectSend(clientID int32, msg *message.Message) bool {
	info, ok := s.reg.get(clientID)
	if !ok || info.state != StateRegistered {
		return false
	}
	msg.Recipient = info.addr
	s.ctrl.Enqueue(msg)
	return true
}

// Broadcast fans msg out to every registered client, honoring the
// per-client-ID vs shared-ID mode §4.7 describes via IdProvider.
// ResolveEveryClientMessage.
func (s *Server) Broadcast(msg *message.Message) {
	s.fanOut(msg.CloneForRecipient(nil))
}

// Process implements peer.Processable: the liveness sweep and keep-alive
// pulse, ticked once per Controller.Process call (§4.7 "Liveness",
// "Keep-alive").
func (s *Server) Process() {
	now := s.cfg.Clock.Now()
	for _, c := range s.reg.snapshot() {
		if c.state != StateRegistered {
			continue
		}

		if now-c.lastSeen.Load() > s.cfg.TimeoutThreshold {
			c.state = StateTimedOut
			s.unregister(c.id, "timeout")
			continue
		}

		if now-c.lastKeepAliveSent.Load() >= s.cfg.KeepAliveInterval {
			c.lastKeepAliveSent.Store(now)
			ka := message.NewSequenceKeepAlive(0)
			ka.Recipient = c.addr
			s.ctrl.Enqueue(ka)
		}
	}
}
