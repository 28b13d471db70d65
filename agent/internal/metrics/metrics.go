// Package metrics exposes Prometheus instrumentation for the agent runtime.
//
// Each Metrics value owns its own registry so tests and multiple agents in
// one process never collide. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/pingrelay/pkg/types"
)

const namespace = "pingrelay"

// Metrics holds the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState *prometheus.GaugeVec
	Heartbeats      *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	Probes          *prometheus.CounterVec
	Campaigns       *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	RetryQueue      prometheus.Gauge
	RetryDrops      *prometheus.CounterVec
	ObserverDropped prometheus.Counter
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by result",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes sent by protocol and result",
		}, []string{"protocol", "result"}),
		Campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_total",
			Help:      "Campaigns completed by trigger",
		}, []string{"trigger"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_uploads_total",
			Help:      "Session uploads by path (direct, retry) and result",
		}, []string{"path", "result"}),
		RetryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Sessions waiting for upload retry",
		}),
		RetryDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_dropped_total",
			Help:      "Sessions lost from the retry queue by reason",
		}, []string{"reason"}),
		ObserverDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Observer events dropped because the observer fell behind",
		}),
	}
	r.MustRegister(
		m.ConnectionState, m.Heartbeats, m.Reconnects, m.Probes, m.Campaigns,
		m.Uploads, m.RetryQueue, m.RetryDrops, m.ObserverDropped,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetState marks state as current.
func (m *Metrics) SetState(state types.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range []types.ConnectionState{types.StateDisconnected, types.StateConnected, types.StateReconnecting} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

// Heartbeat counts one heartbeat.
func (m *Metrics) Heartbeat(ok bool) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(result(ok)).Inc()
}

// ConnectAttempt counts one connect call.
func (m *Metrics) ConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result(ok)).Inc()
}

// Probe counts one probe.
func (m *Metrics) Probe(protocol types.Protocol, ok bool) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(string(protocol), result(ok)).Inc()
}

// Campaign counts one completed campaign.
func (m *Metrics) Campaign(serverInstructed bool) {
	if m == nil {
		return
	}
	trigger := "local"
	if serverInstructed {
		trigger = "server"
	}
	m.Campaigns.WithLabelValues(trigger).Inc()
}

// UploadResult counts one session upload.
func (m *Metrics) UploadResult(path string, ok bool) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(path, result(ok)).Inc()
}

// RetryQueueDepth records the current retry queue length.
func (m *Metrics) RetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueue.Set(float64(n))
}

// RetryDropped counts one session lost from the retry queue.
func (m *Metrics) RetryDropped(reason string) {
	if m == nil {
		return
	}
	m.RetryDrops.WithLabelValues(reason).Inc()
}

// ObserverDrop counts one dropped observer event.
func (m *Metrics) ObserverDrop() {
	if m == nil {
		return
	}
	m.ObserverDropped.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
