// Package metrics exposes job, benchmark, alert and probe counters to
// Prometheus. Values are fed from the in-process event bus.
package metrics

import (
	"context"
	"net/http"

	"evalwatch/internal/eval/connectivity"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/engine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evalwatch"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobQueueDelay    *prometheus.HistogramVec
	JobSkipped       *prometheus.CounterVec
	JobDropped       *prometheus.CounterVec
	BenchmarkRecords *prometheus.CounterVec
	BenchmarkScore   *prometheus.GaugeVec
	Alerts           *prometheus.CounterVec
	Probes           *prometheus.CounterVec
	ProbeLatency     *prometheus.HistogramVec
	BusDropped       prometheus.CounterFunc
}

func New(bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Completed job runs by job id and result",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"job"}),
		JobQueueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_delay_seconds",
			Help:      "Time a run waited for a worker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		JobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_total",
			Help:      "Occurrences skipped because max_instances was reached",
		}, []string{"job"}),
		JobDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_dropped_total",
			Help:      "Runs dropped by the worker pool by reason",
		}, []string{"job", "reason"}),
		BenchmarkRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "benchmark_records_total",
			Help:      "Evaluation records written by result",
		}, []string{"result"}),
		BenchmarkScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "benchmark_score",
			Help:      "Latest benchmark score per model and dataset key (-1 on failure)",
		}, []string{"model", "dataset"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert deliveries by channel and result",
		}, []string{"channel", "result"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_probes_total",
			Help:      "Connectivity probes by model and result",
		}, []string{"model", "result"}),
		ProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connectivity_probe_seconds",
			Help:      "Connectivity probe latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}
	if bus != nil {
		m.BusDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}, func() float64 { return float64(bus.Dropped()) })
		m.reg.MustRegister(m.BusDropped)
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobRuns, m.JobDuration, m.JobQueueDelay, m.JobSkipped, m.JobDropped,
		m.BenchmarkRecords, m.BenchmarkScore,
		m.Alerts, m.Probes, m.ProbeLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe updates metrics from one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case engine.TaskEvent:
		switch ev.Type {
		case eventbus.TaskStarted:
			m.JobQueueDelay.WithLabelValues(d.Name).Observe(d.QueueDelay.Seconds())
		case eventbus.TaskFinished:
			m.JobRuns.WithLabelValues(d.Name, "ok").Inc()
			m.JobDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case eventbus.TaskFailed:
			m.JobRuns.WithLabelValues(d.Name, "error").Inc()
			m.JobDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case eventbus.TaskSkipped:
			m.JobSkipped.WithLabelValues(d.Name).Inc()
		case eventbus.TaskDropped:
			m.JobDropped.WithLabelValues(d.Name, d.Reason).Inc()
		}
	case storage.EvaluationRecord:
		result := "ok"
		if d.Failed() {
			result = "failed"
		}
		m.BenchmarkRecords.WithLabelValues(result).Inc()
		m.BenchmarkScore.WithLabelValues(d.ModelID, d.DatasetKey).Set(d.Score)
	case notifier.AlertEvent:
		result := "sent"
		if ev.Type == eventbus.AlertFailed {
			result = "failed"
		}
		m.Alerts.WithLabelValues(d.Channel, result).Inc()
	case connectivity.Result:
		result := "healthy"
		switch {
		case d.Suppressed:
			result = "unsupported"
		case !d.Healthy:
			result = "failed"
		}
		m.Probes.WithLabelValues(d.Model, result).Inc()
		if d.Latency > 0 {
			m.ProbeLatency.WithLabelValues(d.Model).Observe(d.Latency.Seconds())
		}
	}
}
