package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/illmade-knight/go-topicfuzz/loadgen"
)

// StatusOK is the setup status label for a topic that started.
const StatusOK = "ok"

// Registry holds the publisher's metrics on a private Prometheus registry and
// implements loadgen.Recorder.
type Registry struct {
	registry *prometheus.Registry

	setupTotal   *prometheus.CounterVec
	tickTotal    *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	skippedTotal *prometheus.CounterVec
	tasksRunning prometheus.Gauge
	systemInfo   *prometheus.GaugeVec
	startTime    prometheus.Gauge

	runningTasks atomic.Int64
}

var _ loadgen.Recorder = (*Registry)(nil)

// NewRegistry creates a registry with every metric registered, plus the Go and
// process collectors.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		setupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicfuzz_topic_setup_total",
				Help: "Topic setups by outcome",
			},
			[]string{"topic", "msg_type", "status"}, // status: ok or an error kind
		),

		tickTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicfuzz_tick_total",
				Help: "Fired ticks by outcome",
			},
			[]string{"topic", "msg_type", "outcome"}, // outcome: published or an error kind
		),

		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topicfuzz_tick_duration_seconds",
				Help:    "Time spent generating and publishing one tick",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"topic"},
		),

		skippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicfuzz_ticks_skipped_total",
				Help: "Deadlines missed because the scheduling loop fell behind",
			},
			[]string{"topic"},
		),

		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "topicfuzz_tasks_running",
				Help: "Number of topic tasks currently running",
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "topicfuzz_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "bus", "entropy_mode"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "topicfuzz_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.setupTotal,
		r.tickTotal,
		r.tickDuration,
		r.skippedTotal,
		r.tasksRunning,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordSetup counts a topic setup by status: ok, or the error kind.
func (r *Registry) RecordSetup(topic, msgType string, err error) {
	status := StatusOK
	if err != nil {
		status = loadgen.ErrorKind(err)
	}
	r.setupTotal.WithLabelValues(topic, msgType, status).Inc()
}

// RecordTick counts a tick by outcome and observes its duration.
func (r *Registry) RecordTick(topic, msgType, outcome string, elapsed time.Duration) {
	r.tickTotal.WithLabelValues(topic, msgType, outcome).Inc()
	r.tickDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

// RecordSkipped adds missed deadlines for topic.
func (r *Registry) RecordSkipped(topic string, missed int64) {
	r.skippedTotal.WithLabelValues(topic).Add(float64(missed))
}

// SetRunning sets the running task gauge.
func (r *Registry) SetRunning(n int) {
	r.runningTasks.Store(int64(n))
	r.tasksRunning.Set(float64(n))
}

// RunningTasks is the last value passed to SetRunning.
func (r *Registry) RunningTasks() int {
	return int(r.runningTasks.Load())
}

// SetSystemInfo sets the system information metric.
func (r *Registry) SetSystemInfo(version, busKind, entropyMode string) {
	r.systemInfo.WithLabelValues(version, busKind, entropyMode).Set(1)
}
