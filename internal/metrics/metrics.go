// Package metrics provides Prometheus metrics for the Redis connection,
// the pub/sub relay and the event bus.
//
// All collectors live on a dedicated registry so that independent instances
// (one per test, for example) never collide. Every method is safe to call on
// a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "observer"

// Connection attempt results.
const (
	ResultOK      = "ok"
	ResultRefused = "refused"
	ResultError   = "error"
)

// Relay message outcomes.
const (
	MessageEmitted     = "emitted"
	MessageUnmapped    = "unmapped"
	MessageDecodeError = "decode_error"
)

// Metrics holds all collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	state           *prometheus.GaugeVec
	scriptsLoaded   prometheus.Counter
	scriptExecs     *prometheus.CounterVec

	relayMessages      *prometheus.CounterVec
	relaySubscriptions prometheus.Gauge

	busEmits         prometheus.Counter
	busHandlerErrors *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"state"}),

		scriptsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "scripts_loaded_total",
			Help:      "Scripts uploaded with SCRIPT LOAD during sync",
		}),

		scriptExecs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "script_executions_total",
			Help:      "EVALSHA executions by script and result",
		}, []string{"script", "result"}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Pub/sub messages received by outcome",
		}, []string{"outcome"}),

		relaySubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriptions",
			Help:      "Channels currently mapped",
		}),

		busEmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "emits_total",
			Help:      "Events emitted on the bus",
		}),

		busHandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_errors_total",
			Help:      "Handler errors and recovered panics by pattern",
		}, []string{"pattern"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectAttempt counts one connection attempt.
func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// SetState marks state as the active connection state.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(s).Set(value)
	}
}

// ScriptLoaded counts one uploaded script.
func (m *Metrics) ScriptLoaded() {
	if m == nil {
		return
	}
	m.scriptsLoaded.Inc()
}

// ScriptExec counts one script execution.
func (m *Metrics) ScriptExec(name, result string) {
	if m == nil {
		return
	}
	m.scriptExecs.WithLabelValues(name, result).Inc()
}

// RelayMessage counts one relayed message by outcome.
func (m *Metrics) RelayMessage(outcome string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(outcome).Inc()
}

// SetRelaySubscriptions sets the number of mapped channels.
func (m *Metrics) SetRelaySubscriptions(n int) {
	if m == nil {
		return
	}
	m.relaySubscriptions.Set(float64(n))
}

// BusEmit counts one emitted event.
func (m *Metrics) BusEmit() {
	if m == nil {
		return
	}
	m.busEmits.Inc()
}

// BusHandlerError counts one failed handler.
func (m *Metrics) BusHandlerError(pattern string) {
	if m == nil {
		return
	}
	m.busHandlerErrors.WithLabelValues(pattern).Inc()
}
