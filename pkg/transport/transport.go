// Package transport defines the UdpPeer external collaborator contract
// (§6) and a real implementation over net.UDPConn, grounded on the
// teacher's Server.Start/listen (source/server/server.go). Payload
// serialization (CreatePayload) is left to the host application — the
// wire-level byte format is explicitly out of scope for the core (§1).
package transport

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"relaynet/pkg/message"
)

// Peer is the UdpPeer collaborator contract (§6).
type Peer interface {
	// Start opens the underlying socket. A false return is a
	// LifecycleFailure (§7): the caller's Start() must not flip to
	// connected.
	Start() bool
	// Stop closes the underlying socket.
	Stop()
	// Process drives any I/O the transport needs to pump outside of
	// Send/Receive (§4.6 step 4).
	Process()
	// Send transmits msg.Payload to msg.Recipient. Expected non-blocking
	// (§5): the kernel socket buffer absorbs backpressure.
	Send(msg *message.Message) error
	// CreatePayload populates msg.Payload with encoded bytes. A false
	// return is an EncodingFailure (§7).
	CreatePayload(msg *message.Message) bool
}

// Receiver is the external application receiver contract (§6): messages
// that aren't instant-processable are handed here by the receive pipeline.
type Receiver interface {
	Receive(msg *message.Message)
}

// Codec encodes/decodes a Message's payload. It is the "synchronous payload
// encoding hook" §2 calls out, injected into UDPPeer so the transport stays
// agnostic of wire format (§1 scopes serialization out of the core).
type Codec interface {
	Encode(msg *message.Message) ([]byte, bool)
}

// RawBytesCodec is the simplest possible Codec: it transmits Payload
// unmodified. Suitable for tests and for applications that pre-serialize
// before handing a Message to the pipeline.
type RawBytesCodec struct{}

// Encode implements Codec.
func (RawBytesCodec) Encode(msg *message.Message) ([]byte, bool) {
	return msg.Payload, true
}

// UDPPeer is a real Peer backed by a net.UDPConn, grounded on the teacher's
// Server.Start/listen loop (net.ListenUDP, ReadFromUDP/WriteToUDP).
type UDPPeer struct {
	addr   *net.UDPAddr
	conn   *net.UDPConn
	codec  Codec
	log    *zap.Logger
	onRecv func(data []byte, from *net.UDPAddr)
}

// NewUDPPeer builds a UDPPeer bound to addr. onRecv is invoked once per
// datagram read by the background reader goroutine that Start launches
// (Process does not read); wiring it to decode bytes
// into a *message.Message and hand it to the receive pipeline is the host
// application's job, matching §1's "on-wire byte serialization... treated
// as external collaborators."
func NewUDPPeer(addr *net.UDPAddr, codec Codec, log *zap.Logger, onRecv func([]byte, *net.UDPAddr)) *UDPPeer {
	if log == nil {
		log = zap.NewNop()
	}
	if codec == nil {
		codec = RawBytesCodec{}
	}
	return &UDPPeer{addr: addr, codec: codec, log: log, onRecv: onRecv}
}

// Start implements Peer.
func (u *UDPPeer) Start() bool {
	conn, err := net.ListenUDP("udp", u.addr)
	if err != nil {
		u.log.Error("udp listen failed", zap.Error(err))
		return false
	}
	u.conn = conn
	go u.readLoop()
	return true
}

func (u *UDPPeer) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if u.onRecv == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.onRecv(data, from)
	}
}

// SetOnReceive (re)wires the datagram callback. Exists so a host can build a
// UDPPeer before the collaborator that will consume its output is ready —
// e.g. a server.Server needs a *transport.Peer to construct its
// peer.Controller, but the Controller's Deliver method needs the Controller
// to already exist. Calling this after Start is safe: readLoop reads the
// field under no lock, but onRecv is only ever read from, never raced
// against a concurrent write once the host finishes its one-time wiring
// sequence before the first datagram arrives.
func (u *UDPPeer) SetOnReceive(onRecv func([]byte, *net.UDPAddr)) {
	u.onRecv = onRecv
}

// Stop implements Peer.
func (u *UDPPeer) Stop() {
	if u.conn != nil {
		u.conn.Close()
	}
}

// Process implements Peer. The real UDPPeer's I/O runs on its own reader
// goroutine, so Process is a no-op tick hook for symmetry with Peer
// implementations that need explicit pumping.
func (u *UDPPeer) Process() {}

// CreatePayload implements Peer.
func (u *UDPPeer) CreatePayload(msg *message.Message) bool {
	payload, ok := u.codec.Encode(msg)
	if !ok {
		return false
	}
	msg.Payload = payload
	return true
}

// Send implements Peer.
func (u *UDPPeer) Send(msg *message.Message) error {
	addr, ok := msg.Recipient.(*net.UDPAddr)
	if !ok || addr == nil {
		return fmt.Errorf("transport: message has no UDP recipient address")
	}
	_, err := u.conn.WriteToUDP(msg.Payload, addr)
	return err
}
