// Package message defines relaynet's universal wire-independent unit: the
// Message, and its three specialized variants (MessagePart, AckMessage,
// SequenceKeepAlive) described in spec §3. Per the redesign note in §9
// ("avoid virtual-dispatch depth; use tagged variants... rather than a class
// hierarchy"), all four are the same Go struct distinguished by Kind, not a
// type hierarchy.
package message

import (
	"sync"

	"github.com/google/uuid"
)

// ReliableMode is the delivery guarantee a Message carries (§3, GLOSSARY).
type ReliableMode int

const (
	// Unreliable is fire-and-forget: no ID stream participation required.
	Unreliable ReliableMode = iota
	// SequenceNumber is ordered by ID; duplicates are dropped by a
	// reliability processor, not by the core.
	SequenceNumber
	// AckPacket retransmits until acknowledged by an AckMessage batch.
	AckPacket
)

func (m ReliableMode) String() string {
	switch m {
	case Unreliable:
		return "UNRELIABLE"
	case SequenceNumber:
		return "SEQUENCE_NUMBER"
	case AckPacket:
		return "ACK_PACKET"
	default:
		return "UNKNOWN"
	}
}

// Kind tags which variant a Message is: the four data-model variants plus
// the two CONTROL subtypes (connect and leave requests). Kept as a plain enum
// rather than separate Go types so the four chains in pkg/pipeline can
// operate uniformly on *Message (§9).
type Kind int

const (
	// KindData is an ordinary application or control Message.
	KindData Kind = iota
	// KindPart is a MessagePart: one fragment of an oversize parent.
	KindPart
	// KindAck is an AckMessage: a batch of acknowledged IDs.
	KindAck
	// KindKeepAlive is a SequenceKeepAlive: an empty heartbeat.
	KindKeepAlive
	// KindConnectRequest is a CONTROL subtype: a client announcing itself
	// to a server (§4.7 "Registration").
	KindConnectRequest
	// KindLeaveRequest is a CONTROL subtype: graceful disconnect (§3
	// PeerController.stop lifecycle).
	KindLeaveRequest
)

// Flags bundles the boolean dispatch/transmission flags §3 lists on Message.
type Flags struct {
	IsResend                 bool
	Broadcast                bool
	SendBroadcastBackToSender bool
	IsInstantProcessable      bool
	IsInstantServerProcessable bool
}

// Features is the opaque, lazily-resolved descriptor set (compression,
// encryption flags, etc.) §3 describes. The core only needs it to be
// resolve()-able exactly once; anything beyond that is policy.
type Features interface {
	Resolve(ctx ResolveContext) error
}

// ResolveContext is what a Features implementation (or a Message's own
// resolve step) needs from the host. It stands in for spec's "config, state"
// parameters without pkg/message importing the package that owns Config/State
// (which in turn needs to reference Message), breaking what would otherwise
// be an import cycle — the same cyclic-reference problem §9 calls out for
// Config↔PeerController, solved the same way: pass data in, don't own it.
type ResolveContext struct {
	Now int64
}

// NoFeatures is the zero-value Features: Resolve is a no-op. Most Messages
// in tests and examples use it.
type NoFeatures struct{}

// Resolve implements Features.
func (NoFeatures) Resolve(ResolveContext) error { return nil }

// AckBatch is the payload of an AckMessage: a de-duplicated set of
// acknowledged message IDs (§3).
type AckBatch map[uint64]struct{}

// Add inserts an ID into the batch.
func (b AckBatch) Add(id uint64) { b[id] = struct{}{} }

// Has reports whether id is present.
func (b AckBatch) Has(id uint64) bool {
	_, ok := b[id]
	return ok
}

// IDs returns the batch contents as a slice, in no particular order.
func (b AckBatch) IDs() []uint64 {
	out := make([]uint64, 0, len(b))
	for id := range b {
		out = append(out, id)
	}
	return out
}

// RecipientAddr is the minimal address shape relaynet's core needs for
// transmission. It is satisfied by *net.UDPAddr but kept as an interface
// here so pkg/message does not depend on pkg/transport or net directly for
// anything beyond String().
type RecipientAddr interface {
	String() string
}

// Message is the universal unit described in §3. A single struct serves
// every Kind; fields irrelevant to a given Kind are left zero.
type Message struct {
	// Identity (§3).
	ID uint64

	// TraceID is a supplemental per-Message correlation id for logs, never
	// used by wire framing or the ID invariants in §3 invariant 1.
	TraceID uuid.UUID

	Kind Kind

	SenderID   int32
	ReceiverID int32

	Payload []byte

	ReliableMode ReliableMode

	// Channel generalizes the teacher's per-channel ChannelOrderIndex
	// (source/protocol/raknet.go Session.ChannelOrderIndex) into the ID
	// provider's per-stream bookkeeping. Defaults to 0.
	Channel uint8

	Features Features

	Recipient RecipientAddr

	// FromAddr is the sender's address as observed on receive, set by the
	// transport's Decoder. Distinct from Recipient (which is set just
	// before transmit, §3) — a Message only ever uses one or the other
	// depending on which side of the pipeline it is on.
	FromAddr RecipientAddr

	Flags Flags

	// MessagePart-only fields (Kind == KindPart).
	ParentID   uint64
	PartIndex  uint32
	PartCount  uint32

	// AckMessage-only field (Kind == KindAck).
	Acked AckBatch

	// InstantHandler, when non-nil, is consulted by the receive pipeline's
	// legacy per-Message dispatch path. New code should prefer registering
	// a handler in pkg/pipeline's dispatch table keyed by Kind/message
	// class instead (§9); this field exists for processors that attach a
	// handler to a specific Message instance (e.g. a request/response
	// correlation) rather than to its whole class.
	InstantHandler func(*Message)

	mu       sync.Mutex
	resolved bool
	prepared bool
}

// New creates an ordinary data Message with ID 0 (unassigned, per §3).
func New(senderID, receiverID int32, payload []byte, mode ReliableMode) *Message {
	return &Message{
		Kind:         KindData,
		TraceID:      uuid.New(),
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Payload:      payload,
		ReliableMode: mode,
		Features:     NoFeatures{},
	}
}

// NewPart creates a MessagePart inheriting the parent's reliability mode, as
// §3 requires ("always reliable if parent was reliable" — more precisely,
// inherits whatever mode the parent carried).
func NewPart(parent *Message, partIndex, partCount uint32, payload []byte) *Message {
	return &Message{
		Kind:         KindPart,
		TraceID:      uuid.New(),
		SenderID:     parent.SenderID,
		ReceiverID:   parent.ReceiverID,
		Payload:      payload,
		ReliableMode: parent.ReliableMode,
		Channel:      parent.Channel,
		Features:     NoFeatures{},
		ParentID:     parent.ID,
		PartIndex:    partIndex,
		PartCount:    partCount,
	}
}

// NewAck creates an AckMessage. Always UNRELIABLE per §3.
func NewAck(senderID int32, batch AckBatch) *Message {
	return &Message{
		Kind:         KindAck,
		TraceID:      uuid.New(),
		SenderID:     senderID,
		ReliableMode: Unreliable,
		Features:     NoFeatures{},
		Acked:        batch,
	}
}

// NewSequenceKeepAlive creates an empty heartbeat Message that still
// participates in a reliability stream (it is SequenceNumber-mode, not
// Unreliable, so it advances the IdProvider the way §4.7 "Keep-alive"
// requires).
func NewSequenceKeepAlive(senderID int32) *Message {
	return &Message{
		Kind:         KindKeepAlive,
		TraceID:      uuid.New(),
		SenderID:     senderID,
		ReliableMode: SequenceNumber,
		Features:     NoFeatures{},
	}
}

// Resolve runs Features.Resolve exactly once (§3 lifecycle: "resolve(config,
// state) once"). Calling it again is a no-op.
func (m *Message) Resolve(ctx ResolveContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return nil
	}
	if m.Features == nil {
		m.Features = NoFeatures{}
	}
	if err := m.Features.Resolve(ctx); err != nil {
		return err
	}
	m.resolved = true
	return nil
}

// PrepareToSend marks the Message as having entered the send pipeline once
// (§3 lifecycle: "prepare_to_send() once"). Idempotent.
func (m *Message) PrepareToSend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared = true
}

// Prepared reports whether PrepareToSend has run.
func (m *Message) Prepared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared
}

// ClearID resets ID to 0, used when a broadcast Message is re-fanned-out
// (§3 lifecycle: "clear_id() on broadcast re-fan-out").
func (m *Message) ClearID() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ID = 0
}

// CloneForRecipient builds a fresh per-recipient copy of m suitable for
// broadcast fan-out (§4.7): same Kind/payload/flags, a fresh lifecycle
// state (unresolved, unprepared, unassigned ID) and to as its Recipient.
// A plain struct copy would also copy m's internal mutex mid-lifecycle,
// which go vet flags and which could carry over a stale resolved/prepared
// bit from the original transmission — this constructs the copy field by
// field instead.
func (m *Message) CloneForRecipient(to RecipientAddr) *Message {
	return &Message{
		TraceID:      m.TraceID,
		Kind:         m.Kind,
		SenderID:     m.SenderID,
		ReceiverID:   m.ReceiverID,
		Payload:      m.Payload,
		ReliableMode: m.ReliableMode,
		Channel:      m.Channel,
		Features:     m.Features,
		Recipient:    to,
		Flags:        m.Flags,
		ParentID:     m.ParentID,
		PartIndex:    m.PartIndex,
		PartCount:    m.PartCount,
	}
}

// CloneForResend builds a fresh copy of m for retransmission: same ID and
// Recipient (an ack batch must still match the original ID, and a resend
// goes to the same address), IsResend set, and a reset lifecycle state —
// same field-by-field construction CloneForRecipient uses, to avoid copying
// m's mutex mid-lifecycle.
func (m *Message) CloneForResend() *Message {
	cp := m.CloneForRecipient(m.Recipient)
	cp.ID = m.ID
	cp.Flags.IsResend = true
	return cp
}

// Broadcast reports the Flags.Broadcast bit, named as a method to match the
// external-interface phrasing in §4.7 ("a received Message's broadcast()").
func (m *Message) Broadcast() bool { return m.Flags.Broadcast }

// SendBroadcastBackToSender reports the matching flag.
func (m *Message) SendBroadcastBackToSender() bool { return m.Flags.SendBroadcastBackToSender }

// Class returns a short label used for metrics/log grouping (§4.7
// "Counters. Per-class incoming and outgoing message counts").
func (m *Message) Class() string {
	switch m.Kind {
	case KindPart:
		return "part"
	case KindAck:
		return "ack"
	case KindKeepAlive:
		return "keepalive"
	case KindConnectRequest:
		return "connect_request"
	case KindLeaveRequest:
		return "leave_request"
	default:
		return "data"
	}
}

// NewConnectRequest creates a CONTROL Message announcing client c to a
// server (§4.7 "Registration").
func NewConnectRequest(clientID int32) *Message {
	return &Message{
		Kind:         KindConnectRequest,
		TraceID:      uuid.New(),
		SenderID:     clientID,
		ReliableMode: Unreliable,
		Features:     NoFeatures{},
		Flags:        Flags{IsInstantServerProcessable: true},
	}
}

// NewLeaveRequest creates a CONTROL Message a peer sends on stop() (§3
// PeerController lifecycle).
func NewLeaveRequest(clientID int32) *Message {
	return &Message{
		Kind:         KindLeaveRequest,
		TraceID:      uuid.New(),
		SenderID:     clientID,
		ReliableMode: Unreliable,
		Features:     NoFeatures{},
		Flags:        Flags{IsInstantServerProcessable: true},
	}
}
