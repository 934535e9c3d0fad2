// Package metrics holds the daemon's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so tests can leave it out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentchat"

type Metrics struct {
	registry *prometheus.Registry

	ProcessesRunning prometheus.Gauge
	Spawns           *prometheus.CounterVec
	Exits            *prometheus.CounterVec
	OutputBytes      prometheus.Counter
	InputBytes       prometheus.Counter
	Subscribers      prometheus.Gauge
	DroppedFrames    prometheus.Counter
	Disconnects      prometheus.Counter
	Heartbeats       *prometheus.CounterVec
	Reports          *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ProcessesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_running",
			Help:      "Agent processes with a live PTY handle.",
		}),
		Spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Spawn attempts by result.",
		}, []string{"result"}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Process exits by cause.",
		}, []string{"cause"}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pty_output_bytes_total",
			Help:      "Bytes read from agent terminals.",
		}),
		InputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pty_input_bytes_total",
			Help:      "Bytes written to agent terminals.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Attached terminal viewers.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_dropped_frames_total",
			Help:      "Frames dropped from saturated subscriber queues.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_overflow_disconnects_total",
			Help:      "Subscribers closed because their queue overflowed.",
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats ingested by result.",
		}, []string{"result"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Reports ingested by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProcessesRunning,
		m.Spawns,
		m.Exits,
		m.OutputBytes,
		m.InputBytes,
		m.Subscribers,
		m.DroppedFrames,
		m.Disconnects,
		m.Heartbeats,
		m.Reports,
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

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SpawnResult(result string) {
	if m == nil {
		return
	}
	m.Spawns.WithLabelValues(result).Inc()
}

func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.ProcessesRunning.Inc()
}

func (m *Metrics) ProcessExited(cause string) {
	if m == nil {
		return
	}
	m.ProcessesRunning.Dec()
	m.Exits.WithLabelValues(cause).Inc()
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

func (m *Metrics) OverflowDisconnect() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) Report(reportType string) {
	if m == nil {
		return
	}
	m.Reports.WithLabelValues(reportType).Inc()
}
