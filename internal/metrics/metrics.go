package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics for the peer network layer.
// Metrics are registered in a dedicated registry so they do not interfere
// with the default global registry. A nil *Collector is valid and all its
// methods are no-ops, so wiring metrics stays optional.
type Collector struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	misbehavior      *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	bans             prometheus.Counter
	liveSessions     prometheus.Gauge
	discoveredAddrs  prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "messages_received_total",
			Help:      "Total protocol messages received by protocol name.",
		}, []string{"protocol"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "bytes_received_total",
			Help:      "Total protocol payload bytes received by protocol name.",
		}, []string{"protocol"}),
		misbehavior: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "misbehavior_total",
			Help:      "Detected peer misbehavior by kind.",
		}, []string{"kind"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "disconnects_total",
			Help:      "Disconnects requested by this layer, by reason.",
		}, []string{"reason"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "bans_total",
			Help:      "Sessions banned by this layer.",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peermesh",
			Name:      "live_sessions",
			Help:      "Sessions currently open on the identify protocol.",
		}),
		discoveredAddrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "discovered_addresses_total",
			Help:      "Candidate self-addresses fed to the discovery pool.",
		}),
	}

	reg.MustRegister(
		c.messagesReceived,
		c.bytesReceived,
		c.misbehavior,
		c.disconnects,
		c.bans,
		c.liveSessions,
		c.discoveredAddrs,
	)
	return c
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// MessageReceived records one received message on the named protocol.
func (c *Collector) MessageReceived(protocol string, bytes int) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(protocol).Inc()
	c.bytesReceived.WithLabelValues(protocol).Add(float64(bytes))
}

// Misbehavior records one detected misbehavior of the given kind.
func (c *Collector) Misbehavior(kind string) {
	if c == nil {
		return
	}
	c.misbehavior.WithLabelValues(kind).Inc()
}

// Disconnect records one disconnect request with its reason.
func (c *Collector) Disconnect(reason string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(reason).Inc()
}

// Ban records one session ban.
func (c *Collector) Ban() {
	if c == nil {
		return
	}
	c.bans.Inc()
}

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.liveSessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.liveSessions.Dec()
}

// AddrsDiscovered records candidate self-addresses handed to discovery.
func (c *Collector) AddrsDiscovered(n int) {
	if c == nil {
		return
	}
	c.discoveredAddrs.Add(float64(n))
}
