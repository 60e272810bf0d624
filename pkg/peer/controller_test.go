package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaynet/pkg/clock"
	"relaynet/pkg/fragment"
	"relaynet/pkg/idprovider"
	"relaynet/pkg/message"
	"relaynet/pkg/pipeline"
)

// fakeTransport is a transport.Peer stub that records every sent Message
// instead of touching a real socket.
type fakeTransport struct {
	started bool
	stopped bool
	sent    []*message.Message
}

func (f *fakeTransport) Start() bool                          { f.started = true; return true }
func (f *fakeTransport) Stop()                                 { f.stopped = true }
func (f *fakeTransport) Process()                               {}
func (f *fakeTransport) Send(msg *message.Message) error       { f.sent = append(f.sent, msg); return nil }
func (f *fakeTransport) CreatePayload(msg *message.Message) bool {
	msg.Payload = append([]byte(nil), msg.Payload...)
	return true
}

type fakeReceiver struct {
	received []*message.Message
}

func (f *fakeReceiver) Receive(msg *message.Message) { f.received = append(f.received, msg) }

func newTestController(t *testing.T) (*Controller, *fakeTransport, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(0)
	tr := &fakeTransport{}
	cfg := &Config{
		Clock:                   fc,
		Transport:               tr,
		External:                &fakeReceiver{},
		IDs:                     idprovider.NewShared(),
		Chain:                   pipeline.New(),
		Dispatch:                pipeline.NewDispatch(),
		Fragmenter:              fragment.New(1200),
		MaxPacketSize:           1200,
		AutoSplitTooBigMessages: true,
		QueuedMessagesDelay:     50,
	}
	return New(cfg), tr, fc
}

func TestControllerStartFreezesChainAndStartsTransport(t *testing.T) {
	c, tr, _ := newTestController(t)
	require.True(t, c.Start())
	assert.True(t, tr.started)
	assert.Panics(t, func() {
		c.cfg.Chain.AddSenderPre(func(m *message.Message) (*message.Message, bool) { return m, true })
	})
	c.Stop(1)
	assert.True(t, tr.stopped)
}

func TestControllerQueueDrainsAfterPacingDelay(t *testing.T) {
	c, tr, fc := newTestController(t)
	require.True(t, c.Start())

	msg := message.New(1, 2, []byte("hello"), message.Unreliable)
	c.Enqueue(msg)

	// Below the pacing threshold: nothing sent yet.
	fc.Advance(10)
	c.Process()
	assert.Empty(t, tr.sent)

	// Crosses queued_messages_delay: the queued message goes out.
	fc.Advance(50)
	c.Process()
	require.Len(t, tr.sent, 1)
	assert.Equal(t, msg.ID, tr.sent[0].ID)

	c.Stop(1)
}

func TestControllerDeliverFunnelsIntoReceivePipeline(t *testing.T) {
	c, _, _ := newTestController(t)
	receiver := &fakeReceiver{}
	c.cfg.External = receiver
	c.recv.External = receiver
	c.cfg.Decoder = decoderFunc(func(data []byte, from *net.UDPAddr) (*message.Message, bool) {
		return message.New(9, 1, data, message.Unreliable), true
	})
	require.True(t, c.Start())

	c.Deliver([]byte("ping"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000})

	require.Eventually(t, func() bool {
		return len(receiver.received) == 1
	}, 100*time.Millisecond, 2*time.Millisecond, "decoded message should reach the external receiver")

	c.Stop(9)
}

type decoderFunc func(data []byte, from *net.UDPAddr) (*message.Message, bool)

func (f decoderFunc) Decode(data []byte, from *net.UDPAddr) (*message.Message, bool) {
	return f(data, from)
}
