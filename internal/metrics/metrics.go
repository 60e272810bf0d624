// Package metrics exposes the per-class message counters §4.7 requires
// ("Counters. Per-class incoming and outgoing message counts are
// maintained; only non-resend outbound messages increment."), plus a
// queue-depth gauge and a registered-client gauge as a cheap supplement now
// that prometheus is already wired in.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is a bundle of collectors a Peer/Server registers against one
// registry. Each relaynet process owns exactly one Set.
type Set struct {
	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
	Clients     prometheus.Gauge
}

// NewSet builds a Set and registers its collectors against reg. Passing a
// fresh prometheus.NewRegistry() per test keeps tests independent of the
// global default registry.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Name:      "messages_in_total",
			Help:      "Messages received, labeled by message class.",
		}, []string{"class"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Name:      "messages_out_total",
			Help:      "Non-resend messages sent, labeled by message class.",
		}, []string{"class"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Name:      "outbound_queue_depth",
			Help:      "Current depth of the paced outbound queue.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Name:      "registered_clients",
			Help:      "Number of clients currently in the server registry.",
		}),
	}
	reg.MustRegister(s.MessagesIn, s.MessagesOut, s.QueueDepth, s.Clients)
	return s
}

// IncomingClass increments the incoming counter for a message class.
func (s *Set) IncomingClass(class string) {
	if s == nil {
		return
	}
	s.MessagesIn.WithLabelValues(class).Inc()
}

// OutgoingClass increments the outgoing counter for a message class. Callers
// must only call this for non-resend sends, per §4.7.
func (s *Set) OutgoingClass(class string) {
	if s == nil {
		return
	}
	s.MessagesOut.WithLabelValues(class).Inc()
}

// SetQueueDepth reports the current outbound queue length.
func (s *Set) SetQueueDepth(n int) {
	if s == nil {
		return
	}
	s.QueueDepth.Set(float64(n))
}

// SetClientCount reports the current registered-client count.
func (s *Set) SetClientCount(n int) {
	if s == nil {
		return
	}
	s.Clients.Set(float64(n))
}
