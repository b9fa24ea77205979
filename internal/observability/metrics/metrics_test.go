package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evalwatch/internal/eval/connectivity"
	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserve(t *testing.T) {
	m := New(nil)

	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "benchmark", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "benchmark"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskSkipped, Data: engine.TaskEvent{Name: "connectivity"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Name: "connectivity", Reason: "queue_full"}})
	m.Observe(eventbus.Event{Type: eventbus.BenchmarkRecorded, Data: storage.EvaluationRecord{ModelID: "m1", DatasetKey: "D1", Score: storage.FailedScore}})
	m.Observe(eventbus.Event{Type: eventbus.AlertFailed, Data: notifier.AlertEvent{Channel: "benchmark"}})
	m.Observe(eventbus.Event{Type: eventbus.ProbeResult, Data: connectivity.Result{Model: "m1", Healthy: true, Latency: time.Millisecond}})

	body := scrape(t, m)
	for _, line := range []string{
		`evalwatch_job_runs_total{job="benchmark",result="ok"} 1`,
		`evalwatch_job_runs_total{job="benchmark",result="error"} 1`,
		`evalwatch_job_skipped_total{job="connectivity"} 1`,
		`evalwatch_job_dropped_total{job="connectivity",reason="queue_full"} 1`,
		`evalwatch_benchmark_records_total{result="failed"} 1`,
		`evalwatch_benchmark_score{dataset="D1",model="m1"} -1`,
		`evalwatch_alerts_total{channel="benchmark",result="failed"} 1`,
		`evalwatch_connectivity_probes_total{model="m1",result="healthy"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	m := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	const want = `evalwatch_alerts_total{channel="usage",result="sent"}`
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.AlertSent, Data: notifier.AlertEvent{Channel: "usage"}})
		return strings.Contains(scrape(t, m), want)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Contains(t, scrape(t, m), "evalwatch_eventbus_dropped_total")
}
