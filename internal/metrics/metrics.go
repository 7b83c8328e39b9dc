// Package metrics holds the prometheus collectors of one server process.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "huddle"

type Metrics struct {
	connections     prometheus.Gauge
	intents         *prometheus.CounterVec
	fanoutDelivered prometheus.Counter
	fanoutDropped   prometheus.Counter
	calls           *prometheus.CounterVec
	videoGroups     *prometheus.CounterVec
	roomsClosed     prometheus.Counter
	cleanupErrors   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections held by this process.",
		}),
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Inbound intents by type and outcome code.",
		}, []string{"type", "code"}),
		fanoutDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "delivered_total",
			Help:      "Frames handed to local connections.",
		}),
		fanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Frames dropped on full connection buffers.",
		}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call transitions by resulting status and reason.",
		}, []string{"status", "reason"}),
		videoGroups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_groups_total",
			Help:      "Video group transitions by resulting status and reason.",
		}, []string{"status", "reason"}),
		roomsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_closed_total",
			Help:      "Rooms closed on owner departure.",
		}),
		cleanupErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Swallowed best-effort failures by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Intent(typ, code string) {
	if m != nil {
		m.intents.WithLabelValues(typ, code).Inc()
	}
}

func (m *Metrics) Fanout(delivered, dropped int) {
	if m == nil {
		return
	}
	m.fanoutDelivered.Add(float64(delivered))
	m.fanoutDropped.Add(float64(dropped))
}

func (m *Metrics) Call(status, reason string) {
	if m != nil {
		m.calls.WithLabelValues(status, reason).Inc()
	}
}

func (m *Metrics) VideoGroup(status, reason string) {
	if m != nil {
		m.videoGroups.WithLabelValues(status, reason).Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.roomsClosed.Inc()
	}
}

func (m *Metrics) CleanupError(stage string) {
	if m != nil {
		m.cleanupErrors.WithLabelValues(stage).Inc()
	}
}
