// Command relaynet-server wires transport, pipeline and server into a
// runnable host process, replacing the teacher's core/main.go. It owns no
// application semantics of its own — registering a gamemode's worth of
// message handlers is left to whatever embeds this package as a library;
// this binary exists to prove the wiring compiles and runs end to end.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"relaynet/examples/ackprocessor"
	"relaynet/internal/logging"
	"relaynet/internal/metrics"
	"relaynet/pkg/clock"
	"relaynet/pkg/fragment"
	"relaynet/pkg/idprovider"
	"relaynet/pkg/message"
	"relaynet/pkg/peer"
	"relaynet/pkg/server"
	"relaynet/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "0.1.0"

type appConfig struct {
	Host                string
	Port                int
	MaxPacketSize       int
	QueuedMessagesDelay int64
	KeepAliveInterval   int64
	TimeoutThreshold    int64
	ConnectDedupWindow  int64
}

func loadConfig() appConfig {
	return appConfig{
		Host:                "0.0.0.0",
		Port:                7777,
		MaxPacketSize:       1200,
		QueuedMessagesDelay: 20,
		KeepAliveInterval:   5000,
		TimeoutThreshold:    15000,
		ConnectDedupWindow:  1000,
	}
}

// rawDecoder treats the datagram body as the Message payload, inferring
// nothing else about wire layout — a placeholder Decoder for a repo whose
// actual byte framing is an external collaborator (§1). Real deployments
// supply their own Decoder via peer.WithDecoder.
type rawDecoder struct{}

func (rawDecoder) Decode(data []byte, from *net.UDPAddr) (*message.Message, bool) {
	msg := message.New(0, 0, data, message.Unreliable)
	return msg, true
}

func main() {
	cfg := loadConfig()

	log, err := logging.New(zap.InfoLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	logging.Banner("relaynet-server", version)

	reg := prometheus.NewRegistry()
	metricsSet := metrics.NewSet(reg)

	fc := clock.NewReal()
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}

	pcfg := peer.NewConfig(
		peer.WithClock(fc),
		peer.WithIDProvider(idprovider.NewPerStream()),
		peer.WithFragmenter(fragment.New(cfg.MaxPacketSize)),
		peer.WithMaxPacketSize(cfg.MaxPacketSize),
		peer.WithAutoSplit(true),
		peer.WithQueuedMessagesDelay(cfg.QueuedMessagesDelay),
		peer.WithHost(true),
		peer.WithKeepAliveInterval(cfg.KeepAliveInterval),
		peer.WithTimeoutThreshold(cfg.TimeoutThreshold),
		peer.WithTimeSinceLastConnectRequest(cfg.ConnectDedupWindow),
		peer.WithMetrics(metricsSet),
		peer.WithLog(log),
		peer.WithDecoder(rawDecoder{}),
		peer.WithExternalReceiver(noopReceiver{}),
	)

	// UDPPeer is built before server.New, but its receive callback can
	// only point at the Controller server.New constructs — wired via
	// SetOnReceive once srv exists, avoiding the Config<->Controller
	// cyclic reference §9 flags (the transport just gets a one-time
	// deferred hookup instead).
	udp := transport.NewUDPPeer(addr, transport.RawBytesCodec{}, log, nil)
	pcfg.Transport = udp

	srv := server.New(pcfg, server.Hooks{
		OnRegister: func(clientID int32) {
			log.Info("client registered", zap.Int32("client_id", clientID))
		},
		OnUnregister: func(clientID int32, reason string) {
			log.Info("client unregistered", zap.Int32("client_id", clientID), zap.String("reason", reason))
		},
	})
	udp.SetOnReceive(srv.Deliver)

	recovery := ackprocessor.New(fc, 2*cfg.TimeoutThreshold, srv.Enqueue, log)
	pcfg.Chain.AddSenderPost(recovery.SenderPost())
	pcfg.Chain.AddReceiverPre(recovery.ReceiverPre())
	srv.AddProcessable(recovery)

	if !srv.Start() {
		log.Fatal("server failed to start")
	}
	log.Info("server listening", zap.String("addr", addr.String()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			srv.Tick()
		case sig := <-stop:
			log.Warn("shutting down", zap.String("signal", sig.String()))
			srv.Stop(0)
			return
		}
	}
}

type noopReceiver struct{}

func (noopReceiver) Receive(msg *message.Message) {}
