package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaynet/pkg/clock"
	"relaynet/pkg/fragment"
	"relaynet/pkg/idprovider"
	"relaynet/pkg/message"
	"relaynet/pkg/peer"
	"relaynet/pkg/pipeline"
)

type fakeTransport struct {
	sent               []*message.Message
	createPayloadCalls int
}

func (f *fakeTransport) Start() bool     { return true }
func (f *fakeTransport) Stop()           {}
func (f *fakeTransport) Process()        {}
func (f *fakeTransport) Send(msg *message.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeTransport) CreatePayload(msg *message.Message) bool {
	f.createPayloadCalls++
	return true
}

type fakeReceiver struct {
	received []*message.Message
}

func (f *fakeReceiver) Receive(msg *message.Message) { f.received = append(f.received, msg) }

// countingProcessor returns a pipeline.Processor that increments n every
// time it runs, for asserting how many times a chain stage fired across a
// broadcast fan-out (§8 S4/S5).
func countingProcessor(n *int) pipeline.Processor {
	return func(msg *message.Message) (*message.Message, bool) {
		*n++
		return msg, true
	}
}

func newTestServer(t *testing.T, ids idprovider.Provider) (*Server, *fakeTransport, *fakeReceiver, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(0)
	tr := &fakeTransport{}
	app := &fakeReceiver{}
	cfg := &peer.Config{
		Clock:                       fc,
		Transport:                   tr,
		External:                    app,
		IDs:                         ids,
		Chain:                       pipeline.New(),
		Fragmenter:                  fragment.New(1200),
		MaxPacketSize:               1200,
		AutoSplitTooBigMessages:     true,
		QueuedMessagesDelay:         10,
		Host:                        true,
		KeepAliveInterval:           1000,
		TimeoutThreshold:            2000,
		TimeSinceLastConnectRequest: 500,
	}
	srv := New(cfg, Hooks{})
	return srv, tr, app, fc
}

func registerClient(srv *Server, id int32, addr message.RecipientAddr) {
	req := message.NewConnectRequest(id)
	req.FromAddr = addr
	srv.handleConnectRequest(req)
}

func TestServerRegistersClientOnConnectRequest(t *testing.T) {
	srv, _, _, _ := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	req := message.NewConnectRequest(42)
	req.FromAddr = fakeAddr("client-42")
	srv.handleConnectRequest(req)

	assert.Equal(t, 1, srv.ClientCount())
	info, ok := srv.reg.get(42)
	require.True(t, ok)
	assert.Equal(t, StateRegistered, info.state)

	srv.Stop(0)
}

func TestServerMarksNewClientRequired(t *testing.T) {
	srv, _, _, _ := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	registerClient(srv, 9, fakeAddr("client-9"))

	assert.Contains(t, srv.RequiredClients(), int32(9))
	srv.Stop(0)
}

func TestServerTimesOutStaleClient(t *testing.T) {
	srv, _, _, fc := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	req := message.NewConnectRequest(7)
	req.FromAddr = fakeAddr("client-7")
	srv.handleConnectRequest(req)
	require.Equal(t, 1, srv.ClientCount())

	fc.Advance(3000)
	srv.Process()

	assert.Equal(t, 0, srv.ClientCount())
	_, ok := srv.reg.get(7)
	assert.False(t, ok)
	assert.NotContains(t, srv.RequiredClients(), int32(7), "timeout must clear the required_clients entry too")

	srv.Stop(0)
}

// TestServerRejoinReregistersWithNewAddress exercises §8 S6: a second
// ConnectRequest past the dedup window is a re-join, not a duplicate —
// on_unregister then on_register must both fire, and the registry must end
// with the new address.
func TestServerRejoinReregistersWithNewAddress(t *testing.T) {
	srv, _, _, fc := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	var registered, unregistered []int32
	srv.hooks = Hooks{
		OnRegister:   func(id int32) { registered = append(registered, id) },
		OnUnregister: func(id int32, reason string) { unregistered = append(unregistered, id) },
	}

	registerClient(srv, 4, fakeAddr("old-addr"))
	require.Equal(t, []int32{4}, registered)
	require.Empty(t, unregistered)

	fc.Advance(2000) // > TimeSinceLastConnectRequest (500)
	registerClient(srv, 4, fakeAddr("new-addr"))

	assert.Equal(t, []int32{4, 4}, registered, "on_register must fire a second time for the re-join")
	assert.Equal(t, []int32{4}, unregistered, "on_unregister must fire exactly once before re-registering")

	info, ok := srv.reg.get(4)
	require.True(t, ok)
	assert.Equal(t, fakeAddr("new-addr"), info.addr)
	assert.Equal(t, StateRegistered, info.state)

	srv.Stop(0)
}

// TestServerRejoinWithinDedupWindowIsIgnored is the duplicate-connect-packet
// counterpart to S6: inside the dedup window, a repeated ConnectRequest must
// not unregister/re-register at all.
func TestServerRejoinWithinDedupWindowIsIgnored(t *testing.T) {
	srv, _, _, fc := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	var registerCount, unregisterCount int
	srv.hooks = Hooks{
		OnRegister:   func(int32) { registerCount++ },
		OnUnregister: func(int32, string) { unregisterCount++ },
	}

	registerClient(srv, 4, fakeAddr("addr-a"))
	fc.Advance(100) // < TimeSinceLastConnectRequest (500)
	registerClient(srv, 4, fakeAddr("addr-b"))

	assert.Equal(t, 1, registerCount)
	assert.Equal(t, 0, unregisterCount)
	info, ok := srv.reg.get(4)
	require.True(t, ok)
	assert.Equal(t, fakeAddr("addr-a"), info.addr, "a duplicate within the dedup window must not change the registered address")

	srv.Stop(0)
}

// TestServerDropsMessageFromUnregisteredSender exercises the §4.7
// "Unknown-sender policy" / §7 UnknownSender error kind: a non-ConnectRequest
// from an address the registry doesn't know must be dropped before fan-out
// or application delivery.
func TestServerDropsMessageFromUnregisteredSender(t *testing.T) {
	srv, _, app, _ := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	msg := message.New(99, 0, []byte("hi"), message.Unreliable)
	srv.Receive(msg)

	assert.Empty(t, app.received, "an unregistered sender's message must never reach the application")

	srv.Stop(0)
}

func TestServerDeliversMessageFromRegisteredSender(t *testing.T) {
	srv, _, app, _ := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	registerClient(srv, 5, fakeAddr("client-5"))
	msg := message.New(5, 0, []byte("hi"), message.Unreliable)
	srv.Receive(msg)

	require.Len(t, app.received, 1)
	assert.Same(t, msg, app.received[0])

	srv.Stop(0)
}

// TestServerBroadcastSharedIDModeRunsSendStepsOnce exercises §8 S4: in
// shared-ID mode the payload is created once, before_send/after_send each
// run once, and every recipient receives the same msg_id, even though three
// clients are registered.
func TestServerBroadcastSharedIDModeRunsSendStepsOnce(t *testing.T) {
	srv, tr, _, _ := newTestServer(t, idprovider.NewShared())
	require.True(t, srv.Start())

	var preCalls, postCalls int
	srv.cfg.Chain.AddSenderPre(countingProcessor(&preCalls))
	srv.cfg.Chain.AddSenderPost(countingProcessor(&postCalls))

	for _, id := range []int32{1, 2, 3} {
		registerClient(srv, id, fakeAddr("addr"))
	}

	incoming := message.New(1, 0, []byte("hi"), message.Unreliable)
	incoming.Flags.Broadcast = true
	srv.Receive(incoming)

	require.Len(t, tr.sent, 2, "fan-out excludes the sender by default")
	assert.Equal(t, 1, tr.createPayloadCalls, "shared-ID mode must create the payload exactly once")
	assert.Equal(t, 1, preCalls, "shared-ID mode must run before_send exactly once")
	assert.Equal(t, 1, postCalls, "shared-ID mode must run after_send exactly once")
	assert.Equal(t, tr.sent[0].ID, tr.sent[1].ID, "every recipient must carry the same shared msg_id")
	assert.NotZero(t, tr.sent[0].ID)

	srv.Stop(0)
}

// TestServerBroadcastPerClientIDModeRunsSendStepsPerRecipient exercises §8
// S5: in per-client-ID mode every recipient gets its own msg_id and its own
// before_send/after_send/createPayload invocation.
func TestServerBroadcastPerClientIDModeRunsSendStepsPerRecipient(t *testing.T) {
	srv, tr, _, _ := newTestServer(t, idprovider.NewPerStream())
	require.True(t, srv.Start())

	var preCalls, postCalls int
	srv.cfg.Chain.AddSenderPre(countingProcessor(&preCalls))
	srv.cfg.Chain.AddSenderPost(countingProcessor(&postCalls))

	for _, id := range []int32{1, 2, 3} {
		registerClient(srv, id, fakeAddr("addr"))
	}

	incoming := message.New(1, 0, []byte("hi"), message.Unreliable)
	incoming.Flags.Broadcast = true
	srv.Receive(incoming)

	require.Len(t, tr.sent, 2)
	assert.Equal(t, 2, tr.createPayloadCalls, "per-client-ID mode creates a payload per recipient")
	assert.Equal(t, 2, preCalls, "per-client-ID mode runs before_send per recipient")
	assert.Equal(t, 2, postCalls, "per-client-ID mode runs after_send per recipient")
	assert.NotEqual(t, tr.sent[0].ID, tr.sent[1].ID, "per-client-ID mode assigns a distinct msg_id per recipient")

	srv.Stop(0)
}

type fakeAddr string

func (f fakeAddr) String() string { return string(f) }
