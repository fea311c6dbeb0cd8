package crm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "crm"

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connected         prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    prometheus.Counter
	framesDropped     *prometheus.CounterVec
	eventsDispatched  *prometheus.CounterVec
	handlerPanics     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connected",
			Help:      "1 while the push channel is open.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after an abnormal closure.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Frames read from the push channel.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "frames_dropped_total",
			Help:      "Frames not delivered to subscribers, by reason.",
		}, []string{"reason"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Validated events delivered to subscribers, by type.",
		}, []string{"type"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Subscriber callbacks that panicked.",
		}),
	}
	reg.MustRegister(
		m.connected,
		m.reconnectAttempts,
		m.framesReceived,
		m.framesDropped,
		m.eventsDispatched,
		m.handlerPanics,
	)
	return m
}

func (m *Metrics) setConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) eventDispatched(t EventType) {
	if m != nil {
		m.eventsDispatched.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) handlerPanicked() {
	if m != nil {
		m.handlerPanics.Inc()
	}
}
