package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be constructed without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP gateway metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// IPC metrics
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	RPCPending  *prometheus.GaugeVec

	// Runtime process metrics
	RuntimeStatus     *prometheus.GaugeVec
	RuntimeStarts     prometheus.Counter
	RuntimeExits      *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter

	// Protocol session metrics
	SessionsActive  prometheus.Gauge
	SessionsSpawned *prometheus.CounterVec
	SessionsExited  *prometheus.CounterVec
	SpawnRejected   *prometheus.CounterVec

	// Broker and registry metrics
	BrokerOps          *prometheus.CounterVec
	BrokerDuration     *prometheus.HistogramVec
	Activations        *prometheus.CounterVec
	CommandsRegistered prometheus.Gauge
	PanelsActive       prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates a collector set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_rpc_requests_total",
				Help: "Total number of IPC requests by outcome",
			},
			[]string{"peer", "method", "outcome"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_rpc_duration_seconds",
				Help:    "IPC request round trip in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"peer", "method"},
		),
		RPCPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exthost_rpc_pending",
				Help: "IPC requests awaiting a reply",
			},
			[]string{"peer"},
		),

		RuntimeStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exthost_runtime_status",
				Help: "1 for the current sandbox runtime status, 0 otherwise",
			},
			[]string{"status"},
		),
		RuntimeStarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exthost_runtime_starts_total",
				Help: "Total number of sandbox runtime process starts",
			},
		),
		RuntimeExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_runtime_exits_total",
				Help: "Total number of sandbox runtime exits",
			},
			[]string{"reason"},
		),
		HeartbeatFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exthost_heartbeat_failures_total",
				Help: "Total number of missed runtime heartbeats",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_protocol_sessions_active",
				Help: "Number of running protocol sessions",
			},
		),
		SessionsSpawned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_protocol_sessions_spawned_total",
				Help: "Total number of protocol sessions started",
			},
			[]string{"protocol"},
		),
		SessionsExited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_protocol_sessions_exited_total",
				Help: "Total number of protocol session exits",
			},
			[]string{"protocol", "clean"},
		),
		SpawnRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_protocol_spawn_rejected_total",
				Help: "Total number of rejected spawn requests",
			},
			[]string{"code"},
		),

		BrokerOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_broker_operations_total",
				Help: "Total number of broker operations",
			},
			[]string{"op", "outcome"},
		),
		BrokerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_broker_operation_duration_seconds",
				Help:    "Broker operation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"op"},
		),
		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_activations_total",
				Help: "Total number of extension activations by terminal state",
			},
			[]string{"state"},
		),
		CommandsRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_commands_registered",
				Help: "Number of registered commands",
			},
		),
		PanelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_webview_panels",
				Help: "Number of open webview panels",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exthost_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "exthost_uptime_seconds",
			Help: "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveRequest records one IPC round trip.
func (m *Metrics) ObserveRequest(peer, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(peer, method, outcome).Inc()
	m.RPCDuration.WithLabelValues(peer, method).Observe(d.Seconds())
}

// ObservePending sets the pending request gauge for one peer.
func (m *Metrics) ObservePending(peer string, n int) {
	if m == nil {
		return
	}
	m.RPCPending.WithLabelValues(peer).Set(float64(n))
}

// SetRuntimeStatus marks status as the only current runtime status.
func (m *Metrics) SetRuntimeStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.RuntimeStatus.WithLabelValues(s).Set(v)
	}
}

// IncRuntimeStarts counts a runtime process start.
func (m *Metrics) IncRuntimeStarts() {
	if m == nil {
		return
	}
	m.RuntimeStarts.Inc()
}

// RecordRuntimeExit counts a runtime exit.
func (m *Metrics) RecordRuntimeExit(reason string) {
	if m == nil {
		return
	}
	m.RuntimeExits.WithLabelValues(reason).Inc()
}

// IncHeartbeatFailures counts a missed heartbeat.
func (m *Metrics) IncHeartbeatFailures() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

// RecordSessionSpawn counts a started protocol session.
func (m *Metrics) RecordSessionSpawn(protocol string, active int) {
	if m == nil {
		return
	}
	m.SessionsSpawned.WithLabelValues(protocol).Inc()
	m.SessionsActive.Set(float64(active))
}

// RecordSessionExit counts a protocol session exit.
func (m *Metrics) RecordSessionExit(protocol string, clean bool, active int) {
	if m == nil {
		return
	}
	label := "false"
	if clean {
		label = "true"
	}
	m.SessionsExited.WithLabelValues(protocol, label).Inc()
	m.SessionsActive.Set(float64(active))
}

// RecordSpawnRejected counts a rejected spawn by error code.
func (m *Metrics) RecordSpawnRejected(code string) {
	if m == nil {
		return
	}
	m.SpawnRejected.WithLabelValues(code).Inc()
}

// RecordBrokerOp records a broker operation.
func (m *Metrics) RecordBrokerOp(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BrokerOps.WithLabelValues(op, outcome).Inc()
	m.BrokerDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordActivation counts an activation reaching a terminal state.
func (m *Metrics) RecordActivation(state string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(state).Inc()
}

// SetCommandsRegistered sets the registered command gauge.
func (m *Metrics) SetCommandsRegistered(count int) {
	if m == nil {
		return
	}
	m.CommandsRegistered.Set(float64(count))
}

// SetPanelsActive sets the webview panel gauge.
func (m *Metrics) SetPanelsActive(count int) {
	if m == nil {
		return
	}
	m.PanelsActive.Set(float64(count))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}
