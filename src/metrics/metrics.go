package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal          *prometheus.CounterVec
	alertsTotal         *prometheus.CounterVec
	gatewayErrorsTotal  *prometheus.CounterVec
	sinkDropsTotal      *prometheus.CounterVec
	reconnectsTotal     prometheus.Counter
	droppedClientsTotal prometheus.Counter
	connectedClients    prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	upstreamConnected   prometheus.Gauge
}

// New creates and registers the relay collectors under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks received from the gateway by field",
		}, []string{"field"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alert rules triggered by kind",
		}, []string{"kind"}),
		gatewayErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Errors reported by the gateway by code",
		}, []string{"code"}),
		sinkDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_drops_total",
			Help:      "Side effects dropped because a sink queue was full",
		}, []string{"sink"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reconnect_attempts_total",
			Help:      "Failed gateway connection attempts",
		}),
		droppedClientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_clients_total",
			Help:      "Clients disconnected for falling behind",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Connected WebSocket clients",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Symbols with at least one consumer",
		}),
		upstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "1 while a gateway session is established",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticksTotal,
		m.alertsTotal,
		m.gatewayErrorsTotal,
		m.sinkDropsTotal,
		m.reconnectsTotal,
		m.droppedClientsTotal,
		m.connectedClients,
		m.activeSubscriptions,
		m.upstreamConnected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TickReceived(field string) {
	if m != nil {
		m.ticksTotal.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) AlertTriggered(kind string) {
	if m != nil {
		m.alertsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) GatewayError(code int) {
	if m != nil {
		m.gatewayErrorsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) SinkDropped(sink string) {
	if m != nil {
		m.sinkDropsTotal.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectsTotal.Inc()
	}
}

func (m *Metrics) ClientDropped() {
	if m != nil {
		m.droppedClientsTotal.Inc()
	}
}

func (m *Metrics) SetClients(n int) {
	if m != nil {
		m.connectedClients.Set(float64(n))
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.activeSubscriptions.Set(float64(n))
	}
}

func (m *Metrics) SetUpstreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.upstreamConnected.Set(1)
	} else {
		m.upstreamConnected.Set(0)
	}
}
