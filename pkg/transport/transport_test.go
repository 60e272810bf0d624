package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaynet/pkg/message"
)

func TestRawBytesCodecReturnsPayloadUnmodified(t *testing.T) {
	msg := message.New(1, 2, []byte("hello"), message.Unreliable)
	payload, ok := RawBytesCodec{}.Encode(msg)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), payload)
}

func TestCreatePayloadUsesCodec(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	peer := NewUDPPeer(addr, RawBytesCodec{}, nil, nil)

	msg := message.New(1, 2, []byte("payload"), message.Unreliable)
	require.True(t, peer.CreatePayload(msg))
	assert.Equal(t, []byte("payload"), msg.Payload)
}

func TestSendFailsWithoutUDPRecipient(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	peer := NewUDPPeer(addr, RawBytesCodec{}, nil, nil)

	msg := message.New(1, 2, []byte("payload"), message.Unreliable)
	err = peer.Send(msg)
	assert.Error(t, err, "a Message with no UDP recipient address must not transmit")
}

func TestStartDeliversReceivedDatagramsToOnReceive(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []byte, 1)
	peer := NewUDPPeer(addr, RawBytesCodec{}, nil, nil)
	peer.SetOnReceive(func(data []byte, from *net.UDPAddr) {
		received <- data
	})
	require.True(t, peer.Start())
	defer peer.Stop()

	client, err := net.DialUDP("udp", nil, peer.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onRecv callback")
	}
}

func TestSetOnReceiveRewiresCallbackBeforeStart(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	peer := NewUDPPeer(addr, RawBytesCodec{}, nil, nil)

	called := false
	peer.SetOnReceive(func([]byte, *net.UDPAddr) { called = true })
	assert.NotNil(t, peer.onRecv)
	assert.False(t, called)
}
