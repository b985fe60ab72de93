// Package metrics provides Prometheus metrics for Pinhole.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pinhole"
)

// Metrics contains all Prometheus metrics for the broker.
type Metrics struct {
	// Session metrics
	ClientsConnected prometheus.Gauge
	ClientsTotal     prometheus.Counter
	ServersConnected prometheus.Gauge
	ServersTotal     prometheus.Counter
	SessionErrors    *prometheus.CounterVec

	// Datagram metrics
	Datagrams *prometheus.CounterVec

	// Punch coordination metrics
	PunchRequests   prometheus.Counter
	PunchDispatches prometheus.Counter
	PunchReplies    *prometheus.CounterVec

	// Info metrics
	InfoRequests *prometheus.CounterVec

	// Runtime metrics
	PanicsRecovered prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of currently registered clients",
		}),
		ClientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_total",
			Help:      "Total number of client registrations",
		}),
		ServersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers_connected",
			Help:      "Number of currently registered servers",
		}),
		ServersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_total",
			Help:      "Total number of server registrations",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total rejected or failed control sessions by reason",
		}, []string{"reason"}),

		// Datagram metrics
		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received on the punch port by kind",
		}, []string{"kind"}),

		// Punch coordination metrics
		PunchRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_requests_total",
			Help:      "Total punch requests accepted from registered clients",
		}),
		PunchDispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_dispatches_total",
			Help:      "Total punch instructions dispatched to servers",
		}),
		PunchReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_replies_total",
			Help:      "Total punch replies from servers by outcome",
		}, []string{"outcome"}),

		// Info metrics
		InfoRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "info_requests_total",
			Help:      "Total endpoint info requests by result",
		}, []string{"result"}),

		// Runtime metrics
		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in session handlers",
		}),
	}

	return m
}

// RecordClientConnect records a new client registration.
func (m *Metrics) RecordClientConnect() {
	m.ClientsConnected.Inc()
	m.ClientsTotal.Inc()
}

// RecordClientDisconnect records a client going away.
func (m *Metrics) RecordClientDisconnect() {
	m.ClientsConnected.Dec()
}

// RecordServerConnect records a new server registration.
func (m *Metrics) RecordServerConnect() {
	m.ServersConnected.Inc()
	m.ServersTotal.Inc()
}

// RecordServerDisconnect records a server going away.
func (m *Metrics) RecordServerDisconnect() {
	m.ServersConnected.Dec()
}

// RecordSessionError records a rejected or failed control session.
func (m *Metrics) RecordSessionError(reason string) {
	m.SessionErrors.WithLabelValues(reason).Inc()
}

// RecordDatagram records a datagram received on the punch port.
func (m *Metrics) RecordDatagram(kind string) {
	m.Datagrams.WithLabelValues(kind).Inc()
}

// RecordPunchRequest records an accepted punch request.
func (m *Metrics) RecordPunchRequest() {
	m.PunchRequests.Inc()
}

// RecordPunchDispatch records a punch instruction sent to a server.
func (m *Metrics) RecordPunchDispatch() {
	m.PunchDispatches.Inc()
}

// RecordPunchReply records a punch reply by outcome.
func (m *Metrics) RecordPunchReply(outcome string) {
	m.PunchReplies.WithLabelValues(outcome).Inc()
}

// RecordInfoRequest records an endpoint info request by result.
func (m *Metrics) RecordInfoRequest(result string) {
	m.InfoRequests.WithLabelValues(result).Inc()
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}
