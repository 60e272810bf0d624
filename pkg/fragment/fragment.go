// Package fragment implements the Fragmenter component (§4.2): splitting an
// oversize Message's payload into ordered MessageParts that re-enter the
// paced send queue rather than being transmitted directly.
package fragment

import (
	"errors"

	"relaynet/pkg/message"
)

// HeaderSize is the fixed header relaynet reserves within
// maximum_udp_packet_size for a MessagePart's framing, per §3
// ("Fixed HEADER_SIZE reserves room within maximum_udp_packet_size").
const HeaderSize = 40

// ErrCannotFragment is returned when a Message cannot be split into valid
// parts: the configured packet size leaves no room for payload once the
// header is reserved, or the payload is empty.
var ErrCannotFragment = errors.New("fragment: message cannot be split for the given packet size")

// Fragmenter splits oversize Message payloads into MessageParts.
type Fragmenter struct {
	// MaxPacketSize is maximum_udp_packet_size (§6 config option).
	MaxPacketSize int
	// HeaderSize overrides the package default HeaderSize, 0 means use it.
	HeaderSize int
}

// New builds a Fragmenter for the given maximum_udp_packet_size.
func New(maxPacketSize int) *Fragmenter {
	return &Fragmenter{MaxPacketSize: maxPacketSize, HeaderSize: HeaderSize}
}

func (f *Fragmenter) headerSize() int {
	if f.HeaderSize > 0 {
		return f.HeaderSize
	}
	return HeaderSize
}

// Split produces an ordered list of MessageParts for parent, each carrying
// at most MaxPacketSize-HeaderSize bytes of payload and inheriting parent's
// reliability mode, sender/receiver and channel (§4.2). It never mutates
// parent's ID — callers are responsible for stepping the parent's ID back
// via IdProvider on success, per §4.4 step 4 and §3 invariant 3.
func (f *Fragmenter) Split(parent *message.Message) ([]*message.Message, error) {
	chunkSize := f.MaxPacketSize - f.headerSize()
	if chunkSize <= 0 {
		return nil, ErrCannotFragment
	}
	if len(parent.Payload) == 0 {
		return nil, ErrCannotFragment
	}

	partCount := (len(parent.Payload) + chunkSize - 1) / chunkSize
	parts := make([]*message.Message, 0, partCount)
	for i := 0; i < partCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(parent.Payload) {
			end = len(parent.Payload)
		}
		payload := make([]byte, end-start)
		copy(payload, parent.Payload[start:end])
		parts = append(parts, message.NewPart(parent, uint32(i), uint32(partCount), payload))
	}
	return parts, nil
}
