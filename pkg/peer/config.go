// Package peer implements PeerController (§3, §4.6): the per-endpoint
// lifecycle and outbound pacing loop that sits between the application and
// the transport/pipeline layers. pkg/server builds on top of it for the
// multi-client extension (§4.7, §4.8).
package peer

import (
	"net"

	"go.uber.org/zap"

	"relaynet/internal/metrics"
	"relaynet/pkg/clock"
	"relaynet/pkg/fragment"
	"relaynet/pkg/idprovider"
	"relaynet/pkg/message"
	"relaynet/pkg/pipeline"
	"relaynet/pkg/transport"
)

// Decoder turns a raw datagram plus its sender address into a Message. It is
// the counterpart to transport.Codec's Encode: wire format stays an external
// collaborator (§1), but the core still needs *some* seam to get back into
// Message-shaped data once a byte slice arrives off the socket.
type Decoder interface {
	Decode(data []byte, from *net.UDPAddr) (*message.Message, bool)
}

// Config is the dependency bag §2's component table lists for Config/State:
// "clock, providers, processors, thresholds, hooks." It intentionally does
// NOT hold a back-reference to the Controller it configures — §9 flags that
// cyclic reference explicitly ("Config holds internal_receiver/
// internal_sender back-pointers to the controller... pass data in, don't own
// it") and the fix applied throughout this package is for Controller to hold
// a *Config, never the reverse.
type Config struct {
	Clock      clock.Clock
	Transport  transport.Peer
	External   transport.Receiver
	Decoder    Decoder
	IDs        idprovider.Provider
	Chain      *pipeline.Chain
	Dispatch   *pipeline.Dispatch
	Fragmenter *fragment.Fragmenter
	Metrics    *metrics.Set
	Log        *zap.Logger

	// MaxPacketSize is maximum_udp_packet_size (§6).
	MaxPacketSize int
	// AutoSplitTooBigMessages gates step 4's fragmentation fallback (§4.4,
	// §6 auto_split_too_big_messages).
	AutoSplitTooBigMessages bool
	// QueuedMessagesDelay paces the outbound FIFO queue (§4.6
	// queued_messages_delay): a queued Message is popped once the
	// controller's accumulated queue_delay_inc exceeds this many
	// milliseconds of Clock time.
	QueuedMessagesDelay int64
	// Host marks this Config as belonging to the server side (§6 "host").
	// pkg/server sets this true; a bare client peer leaves it false.
	Host bool

	// The remaining fields are read only by pkg/server, but live here
	// because §2 describes Config/State as a single dependency bag shared
	// by PeerController and its server extension, not two parallel bags.
	// All are expressed in Clock milliseconds, consistent with clock.Clock.
	KeepAliveInterval           int64
	TimeoutThreshold            int64
	TimeSinceLastConnectRequest int64
	ExpectedClientIDs           map[int32]struct{}
}

// Option configures a Config via NewConfig. Functional options, rather than
// a struct literal, let cmd/relaynet-server assemble the dependency bag
// incrementally (clock, then transport, then pipeline pieces) without ever
// needing a partially-built Config to reference the Controller it will
// later be handed to (§9's cyclic-reference concern).
type Option func(*Config)

// WithClock sets the Clock collaborator.
func WithClock(c clock.Clock) Option { return func(cfg *Config) { cfg.Clock = c } }

// WithTransport sets the UdpPeer collaborator.
func WithTransport(t transport.Peer) Option { return func(cfg *Config) { cfg.Transport = t } }

// WithExternalReceiver sets the application-level Receiver.
func WithExternalReceiver(r transport.Receiver) Option {
	return func(cfg *Config) { cfg.External = r }
}

// WithDecoder sets the inbound datagram Decoder.
func WithDecoder(d Decoder) Option { return func(cfg *Config) { cfg.Decoder = d } }

// WithIDProvider sets the IdProvider collaborator.
func WithIDProvider(p idprovider.Provider) Option { return func(cfg *Config) { cfg.IDs = p } }

// WithChain sets the ProcessorChain. A fresh pipeline.New() is used if
// omitted.
func WithChain(c *pipeline.Chain) Option { return func(cfg *Config) { cfg.Chain = c } }

// WithDispatch sets the instant-dispatch table. A fresh pipeline.NewDispatch
// is used if omitted.
func WithDispatch(d *pipeline.Dispatch) Option { return func(cfg *Config) { cfg.Dispatch = d } }

// WithFragmenter sets the Fragmenter collaborator.
func WithFragmenter(f *fragment.Fragmenter) Option { return func(cfg *Config) { cfg.Fragmenter = f } }

// WithMetrics sets the metrics.Set collectors bundle.
func WithMetrics(m *metrics.Set) Option { return func(cfg *Config) { cfg.Metrics = m } }

// WithLog sets the structured logger.
func WithLog(log *zap.Logger) Option { return func(cfg *Config) { cfg.Log = log } }

// WithMaxPacketSize sets maximum_udp_packet_size.
func WithMaxPacketSize(n int) Option { return func(cfg *Config) { cfg.MaxPacketSize = n } }

// WithAutoSplit toggles auto_split_too_big_messages.
func WithAutoSplit(on bool) Option { return func(cfg *Config) { cfg.AutoSplitTooBigMessages = on } }

// WithQueuedMessagesDelay sets the outbound pacing interval in milliseconds.
func WithQueuedMessagesDelay(ms int64) Option {
	return func(cfg *Config) { cfg.QueuedMessagesDelay = ms }
}

// WithHost marks the Config as belonging to a server (§6 "host").
func WithHost(host bool) Option { return func(cfg *Config) { cfg.Host = host } }

// WithKeepAliveInterval sets the server keep-alive pulse interval in
// milliseconds.
func WithKeepAliveInterval(ms int64) Option {
	return func(cfg *Config) { cfg.KeepAliveInterval = ms }
}

// WithTimeoutThreshold sets the server liveness timeout in milliseconds.
func WithTimeoutThreshold(ms int64) Option {
	return func(cfg *Config) { cfg.TimeoutThreshold = ms }
}

// WithTimeSinceLastConnectRequest sets the registration dedup window in
// milliseconds.
func WithTimeSinceLastConnectRequest(ms int64) Option {
	return func(cfg *Config) { cfg.TimeSinceLastConnectRequest = ms }
}

// WithExpectedClientIDs sets the set of client IDs a server expects to
// register (§6 expected_client_ids).
func WithExpectedClientIDs(ids ...int32) Option {
	return func(cfg *Config) {
		set := make(map[int32]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		cfg.ExpectedClientIDs = set
	}
}

// NewConfig builds a Config from a sequence of Options, filling in the
// default Chain/Dispatch/Log/Clock a bare literal would otherwise have to
// spell out at every call site.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		Chain:    pipeline.New(),
		Dispatch: pipeline.NewDispatch(),
		Log:      zap.NewNop(),
		Clock:    clock.NewReal(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Processable is anything that wants a periodic tick from the host's
// process() loop (§4.6 step: "iterate State's processables"). A server's
// liveness sweep implements it; the outbound queue drain is not a
// Processable and runs directly in Controller.Process.
type Processable interface {
	Process()
}

// State holds mutable per-run bookkeeping that is NOT safe to share via
// Config's otherwise-immutable dependency bag: the list of registered
// Processables. Kept as its own small type so Config can stay a plain
// read-only struct once a Controller starts.
type State struct {
	processables []Processable
}

// NewState builds an empty State.
func NewState() *State {
	return &State{}
}

// AddProcessable registers p to be ticked every Controller.Process call.
func (s *State) AddProcessable(p Processable) {
	s.processables = append(s.processables, p)
}

// RunProcessables ticks every registered Processable once, in registration
// order (§4.3 "stable, configuration-defined order").
func (s *State) RunProcessables() {
	for _, p := range s.processables {
		p.Process()
	}
}
