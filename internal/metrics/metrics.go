// Package metrics expõe contadores e gauges do supervisor em formato
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

var allStates = []core.State{
	core.StateStarting,
	core.StateRunning,
	core.StateUnhealthy,
	core.StateCrashed,
	core.StateBackoff,
	core.StateStopping,
	core.StateTerminated,
}

// Metrics implementa supervisor.Observer e supervisor.StatusSink.
type Metrics struct {
	reg *prometheus.Registry

	WorkerState      *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	ProtocolDrops    *prometheus.CounterVec
	Events           *prometheus.CounterVec
	HeartbeatAge     *prometheus.GaugeVec
	RecorderRestarts *prometheus.GaugeVec
	WorkerRSS        *prometheus.GaugeVec
	WorkersRunning   prometheus.Gauge
	WorkersTotal     prometheus.Gauge

	now func() time.Time
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		WorkerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvr_worker_state",
			Help: "1 for the current lifecycle state of each camera worker",
		}, []string{"camera", "state"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nvr_worker_transitions_total",
			Help: "Worker state transitions",
		}, []string{"camera", "to"}),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nvr_worker_restarts_total",
			Help: "Worker process respawns",
		}, []string{"camera"}),
		ProtocolDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nvr_channel_dropped_messages_total",
			Help: "Messages dropped for schema mismatch or malformed frames",
		}, []string{"camera"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nvr_events_total",
			Help: "Events published on the event stream",
		}, []string{"camera", "kind"}),
		HeartbeatAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvr_worker_heartbeat_age_seconds",
			Help: "Seconds since the last accepted heartbeat",
		}, []string{"camera"}),
		RecorderRestarts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvr_recorder_restarts",
			Help: "Recorder subprocess restarts reported by the worker",
		}, []string{"camera"}),
		WorkerRSS: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvr_worker_memory_rss_bytes",
			Help: "Resident memory of the worker process",
		}, []string{"camera"}),
		WorkersRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "nvr_workers_running",
			Help: "Workers in running state",
		}),
		WorkersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "nvr_workers",
			Help: "Workers known to the health registry",
		}),
		now: time.Now,
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Transition(cameraID string, from, to core.State) {
	if from != "" {
		m.WorkerState.WithLabelValues(cameraID, string(from)).Set(0)
	}
	m.WorkerState.WithLabelValues(cameraID, string(to)).Set(1)
	m.Transitions.WithLabelValues(cameraID, string(to)).Inc()
}

func (m *Metrics) Restarted(cameraID string) {
	m.Restarts.WithLabelValues(cameraID).Inc()
}

func (m *Metrics) ProtocolDropped(cameraID string) {
	m.ProtocolDrops.WithLabelValues(cameraID).Inc()
}

func (m *Metrics) Event(ev core.Event) {
	m.Events.WithLabelValues(ev.CameraID, string(ev.Kind)).Inc()
}

// PublishStatus atualiza os gauges a partir do snapshot periódico.
func (m *Metrics) PublishStatus(host supervisor.HostStatus, workers []health.Status) error {
	now := m.now()
	for _, st := range workers {
		for _, s := range allStates {
			v := 0.0
			if s == st.State {
				v = 1
			}
			m.WorkerState.WithLabelValues(st.CameraID, string(s)).Set(v)
		}
		m.HeartbeatAge.WithLabelValues(st.CameraID).Set(st.HeartbeatAge(now).Seconds())
		m.RecorderRestarts.WithLabelValues(st.CameraID).Set(float64(st.RecorderRestarts))
		m.WorkerRSS.WithLabelValues(st.CameraID).Set(float64(st.MemRSSBytes))
	}
	m.WorkersRunning.Set(float64(host.Running))
	m.WorkersTotal.Set(float64(host.Workers))
	return nil
}
