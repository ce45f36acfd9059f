package cell

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rheo/internal/circuit"
)

// metrics is the cell-level gauge/counter set that supplements
// transport's per-request metrics: atlas size, circuit-breaker state per
// peer, active-execution count, gossip round count, and route outcomes.
// The gossip round counter is registered but nothing increments it, so it
// always reads zero.
// Registered into a private Registry for the same reason transport's
// serverMetrics is — a process hosting more than one cell must not
// collide on global metric names.
type metrics struct {
	registry *prometheus.Registry

	routeTotal    *prometheus.CounterVec
	routeDuration *prometheus.HistogramVec

	atlasSize        prometheus.Gauge
	activeExecutions prometheus.Gauge
	circuitState     *prometheus.GaugeVec
	gossipRounds     prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	m := &metrics{
		registry: registry,
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rheo_route_total",
			Help: "Total number of routed signals, by capability and outcome.",
		}, []string{"capability", "ok"}),
		routeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rheo_route_duration_seconds",
			Help: "Route pipeline duration in seconds, by capability.",
		}, []string{"capability"}),
		atlasSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rheo_atlas_size",
			Help: "Number of entries currently known in this cell's atlas.",
		}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rheo_active_executions",
			Help: "Number of in-flight request-join slots.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rheo_circuit_state",
			Help: "Circuit breaker state per peer address (0=closed, 1=half_open, 2=open).",
		}, []string{"peer"}),
		gossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rheo_gossip_rounds_total",
			Help: "Total number of gossip rounds attempted.",
		}),
	}
	registry.MustRegister(m.routeTotal, m.routeDuration, m.atlasSize, m.activeExecutions, m.circuitState, m.gossipRounds)
	return m
}

// ObserveRoute implements routing.Metrics.
func (m *metrics) ObserveRoute(capability string, ok bool, duration time.Duration) {
	okLabel := "true"
	if !ok {
		okLabel = "false"
	}
	m.routeTotal.WithLabelValues(capability, okLabel).Inc()
	m.routeDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

func circuitStateValue(s circuit.State) float64 {
	switch s {
	case circuit.Open:
		return 2
	case circuit.HalfOpen:
		return 1
	default:
		return 0
	}
}

// refreshGauges is called by the cleanup loop to keep the point-in-time
// gauges current.
func (m *metrics) refreshGauges(atlasSize int, activeExecutions int, breakerSnapshot map[string]circuit.State) {
	m.atlasSize.Set(float64(atlasSize))
	m.activeExecutions.Set(float64(activeExecutions))
	for peer, state := range breakerSnapshot {
		m.circuitState.WithLabelValues(peer).Set(circuitStateValue(state))
	}
}
