package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rankmybrand/relay/metric"
)

// serviceMetrics holds Prometheus metrics for the broadcast bridge
type serviceMetrics struct {
	entriesReceived  *prometheus.CounterVec
	entriesAcked     *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	messagesDropped  prometheus.Counter
	bytesSent        prometheus.Counter
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	actionsPublished prometheus.Counter
	readErrors       prometheus.Counter
}

// newServiceMetrics creates and registers bridge metrics. Returns nil if no
// registry is provided (nil input = nil feature pattern).
func newServiceMetrics(registry *metric.Registry) *serviceMetrics {
	if registry == nil {
		return nil
	}

	m := &serviceMetrics{
		entriesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "entries_received_total",
			Help:      "Log entries fetched from the event log",
		}, []string{"stream"}),

		entriesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "entries_acked_total",
			Help:      "Log entries acknowledged after broadcast",
		}, []string{"stream"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Messages enqueued to clients",
		}, []string{"type"}),

		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a client buffer was full",
		}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "bytes_sent_total",
			Help:      "Bytes enqueued to clients",
		}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "clients_connected",
			Help:      "Currently connected clients",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "client_connections_total",
			Help:      "Client connections since start",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "commands_total",
			Help:      "Client commands by type",
		}, []string{"command"}),

		actionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "actions_published_total",
			Help:      "Action commands republished to the requests stream",
		}),

		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broadcast",
			Name:      "read_errors_total",
			Help:      "Transient event log read failures",
		}),
	}

	registry.MustRegister(
		m.entriesReceived,
		m.entriesAcked,
		m.messagesSent,
		m.messagesDropped,
		m.bytesSent,
		m.clientsConnected,
		m.connectionsTotal,
		m.commandsTotal,
		m.actionsPublished,
		m.readErrors,
	)

	return m
}

func (m *serviceMetrics) recordEntry(stream string) {
	if m != nil {
		m.entriesReceived.WithLabelValues(stream).Inc()
	}
}

func (m *serviceMetrics) recordAck(stream string) {
	if m != nil {
		m.entriesAcked.WithLabelValues(stream).Inc()
	}
}

func (m *serviceMetrics) recordSent(msgType string, bytes int) {
	if m != nil {
		m.messagesSent.WithLabelValues(msgType).Inc()
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *serviceMetrics) recordDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *serviceMetrics) recordConnect(connected int) {
	if m != nil {
		m.connectionsTotal.Inc()
		m.clientsConnected.Set(float64(connected))
	}
}

func (m *serviceMetrics) recordDisconnect(connected int) {
	if m != nil {
		m.clientsConnected.Set(float64(connected))
	}
}

func (m *serviceMetrics) setConnected(connected int) {
	if m != nil {
		m.clientsConnected.Set(float64(connected))
	}
}

func (m *serviceMetrics) recordCommand(command string) {
	if m != nil {
		m.commandsTotal.WithLabelValues(command).Inc()
	}
}

func (m *serviceMetrics) recordAction() {
	if m != nil {
		m.actionsPublished.Inc()
	}
}

func (m *serviceMetrics) recordReadError() {
	if m != nil {
		m.readErrors.Inc()
	}
}
