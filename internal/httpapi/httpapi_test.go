package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	"evalwatch/internal/task/scheduler"
	logx "evalwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu     sync.Mutex
	jobs   map[string]scheduler.JobInfo
	paused map[string]bool
	full   bool
	loc    *time.Location
}

func newFakeScheduler(loc *time.Location, jobs ...scheduler.JobInfo) *fakeScheduler {
	f := &fakeScheduler{jobs: map[string]scheduler.JobInfo{}, paused: map[string]bool{}, loc: loc}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeScheduler) Jobs() ([]scheduler.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.JobInfo, 0, len(f.jobs))
	for _, id := range []string{"benchmark", "connectivity"} {
		if j, ok := f.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeScheduler) Job(id string) (scheduler.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return scheduler.JobInfo{}, scheduler.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeScheduler) set(id string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return scheduler.ErrJobNotFound
	}
	f.paused[id] = paused
	return nil
}

func (f *fakeScheduler) Pause(_ context.Context, id string) error  { return f.set(id, true) }
func (f *fakeScheduler) Resume(_ context.Context, id string) error { return f.set(id, false) }

func (f *fakeScheduler) RunNow(id string) error {
	if _, err := f.Job(id); err != nil {
		return err
	}
	if f.full {
		return fmt.Errorf("%w: %s", scheduler.ErrMaxInstances, id)
	}
	return nil
}

func (f *fakeScheduler) Location() *time.Location { return f.loc }

type captureSink struct {
	mu      sync.Mutex
	channel string
	sent    []string
}

func (c *captureSink) Send(_ context.Context, channel, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = channel
	c.sent = append(c.sent, text)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "evalwatch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Detail
}

func TestListJobsFormatsNextRunInSchedulerZone(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	next := time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC)
	sched := newFakeScheduler(loc,
		scheduler.JobInfo{ID: "benchmark", Name: "benchmark", Trigger: "cron", TriggerArgs: map[string]string{"hour": "0"}, NextRunTime: &next, MaxInstances: 1},
		scheduler.JobInfo{ID: "connectivity", Name: "connectivity", Trigger: "cron", Paused: true, MaxInstances: 1},
	)
	h := New(Config{}, Deps{Scheduler: sched}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/scheduler/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "benchmark", jobs[0]["id"])
	assert.Equal(t, "2026-01-02 00:00:00", jobs[0]["next_run_time"])
	assert.Equal(t, map[string]any{"hour": "0"}, jobs[0]["trigger_args"])
	assert.Nil(t, jobs[1]["next_run_time"])
	assert.Equal(t, map[string]any{}, jobs[1]["trigger_args"])
}

func TestJobActions(t *testing.T) {
	sched := newFakeScheduler(time.UTC, scheduler.JobInfo{ID: "benchmark", Name: "benchmark"})
	h := New(Config{}, Deps{Scheduler: sched}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		full   bool
		want   int
	}{
		{"pause", http.MethodPost, "/scheduler/jobs/benchmark/pause", false, http.StatusNoContent},
		{"resume", http.MethodPost, "/scheduler/jobs/benchmark/resume", false, http.StatusNoContent},
		{"pause unknown", http.MethodPost, "/scheduler/jobs/nope/pause", false, http.StatusNotFound},
		{"get", http.MethodGet, "/scheduler/jobs/benchmark", false, http.StatusOK},
		{"get unknown", http.MethodGet, "/scheduler/jobs/nope", false, http.StatusNotFound},
		{"run", http.MethodPost, "/scheduler/jobs/benchmark/run", false, http.StatusAccepted},
		{"run at cap", http.MethodPost, "/scheduler/jobs/benchmark/run", true, http.StatusConflict},
		{"wrong method", http.MethodGet, "/scheduler/jobs/benchmark/pause", false, http.StatusMethodNotAllowed},
		{"wrong method resume", http.MethodGet, "/scheduler/jobs/benchmark/resume", false, http.StatusMethodNotAllowed},
		{"wrong method run", http.MethodPut, "/scheduler/jobs/benchmark/run", false, http.StatusMethodNotAllowed},
		{"wrong method list", http.MethodPost, "/scheduler/jobs", false, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched.full = tt.full
			rec := do(t, h, tt.method, tt.path, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.False(t, sched.paused["benchmark"])
}

func TestSchedulerAbsentIs503(t *testing.T) {
	h := New(Config{}, Deps{}, logx.Nop()).Handler()
	for _, p := range []string{"/scheduler/jobs", "/scheduler/jobs/benchmark"} {
		rec := do(t, h, http.MethodGet, p, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/scheduler/jobs/benchmark/pause", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, detail(t, rec))
}

func TestAdminToken(t *testing.T) {
	sched := newFakeScheduler(time.UTC, scheduler.JobInfo{ID: "benchmark"})
	st := openStore(t)
	h := New(Config{AdminToken: "s3cret"}, Deps{Scheduler: sched, Store: st}, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/scheduler/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/scheduler/jobs", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/scheduler/jobs?token=nope", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/scheduler/jobs", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/scheduler/jobs?token=s3cret", "").Code)

	// reads on the registry stay open, writes need the token
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/models", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/models", `{"model_id":"m1"}`).Code)
	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/models", `{"model_id":"m1"}`, "Authorization", "Bearer s3cret").Code)
}

func TestModelRegistry(t *testing.T) {
	st := openStore(t)
	h := New(Config{}, Deps{Store: st}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/models", `{"model_id":"m1","dataset_keys":["B","A","A"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m storage.ModelRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "m1", m.ModelID)
	assert.ElementsMatch(t, []string{"A", "B"}, m.DatasetKeys)

	rec = do(t, h, http.MethodPost, "/models", `{"model_id":"m1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/models", `{"model_id":" "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/models", `{"model":"x"}`).Code)

	rec = do(t, h, http.MethodPut, "/models/m1", `{"dataset_keys":["C"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, []string{"C"}, m.DatasetKeys)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/models/m1", `{"model_id":"m2","dataset_keys":[]}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/models/m9", `{"dataset_keys":["C"]}`).Code)

	rec = do(t, h, http.MethodPatch, "/models/m2/dataset-keys", `["D1"]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := st.GetModel(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, got.DatasetKeys)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/models/m1", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/models/m1", "").Code)
	rec = do(t, h, http.MethodGet, "/models/m1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, detail(t, rec), "m1")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/models/m1", "").Code)
}

func seedEvaluations(t *testing.T, st *storage.Store) {
	t.Helper()
	for _, r := range []struct {
		model, key, day string
		score           float64
	}{
		{"m1", "D1", "2026-03-01", 80},
		{"m1", "D1", "2026-03-02", 82},
		{"m2", "D1", "2026-03-02", 70},
		{"m1", "D1", "2026-03-03", 81},
	} {
		d, err := storage.ParseDay(r.day)
		require.NoError(t, err)
		require.NoError(t, st.UpsertEvaluation(context.Background(), storage.EvaluationRecord{
			ModelID: r.model, DatasetKey: r.key, DatasetName: "general_qa", Date: d,
			Metric: "AverageAccuracy", Score: r.score, Subset: "default", Num: 10,
		}))
	}
}

func TestEvaluationsEndDateIsInclusive(t *testing.T) {
	st := openStore(t)
	seedEvaluations(t, st)
	h := New(Config{}, Deps{Store: st}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/evaluations?start_date=2026-03-01&end_date=2026-03-02", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body evaluationsBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	for _, r := range body.Data {
		assert.NotEqual(t, "2026-03-03", r.Date.String())
	}

	rec = do(t, h, http.MethodGet, "/evaluations?model_id=m2", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "m2", body.Data[0].ModelID)

	rec = do(t, h, http.MethodGet, "/evaluations?start_date=03/01/2026", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detail(t, rec), "start_date")
}

func TestChartDataGroupsByModel(t *testing.T) {
	st := openStore(t)
	seedEvaluations(t, st)
	h := New(Config{}, Deps{Store: st}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/evaluations/chart-data?dataset_key=D1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Len(t, out["m1"], 3)
	assert.Equal(t, "2026-03-01", out["m1"][0]["date"])
	assert.Equal(t, "2026-03-03", out["m1"][2]["date"])
	assert.InDelta(t, 70, out["m2"][0]["score"], 1e-9)
}

func TestWebhookAlerting(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{WebhookSecret: "hook"}, Deps{Alerts: sink}, logx.Nop()).Handler()

	payload := `{"event":"budget_crossed","event_group":"user","event_message":"spend\nexceeded","spend":12,"max_budget":10,"user_id":"u1","user_email":"a@example.com"}`
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/webhook/alerting", payload).Code)

	rec := do(t, h, http.MethodPost, "/webhook/alerting", payload, WebhookSecretHeader, "hook")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"ok"}`, rec.Body.String())
	require.Len(t, sink.sent, 1)
	assert.Equal(t, notifier.ChannelUsage, sink.channel)
	assert.Equal(t, strings.Join([]string{
		"🔴 user spend has crossed the budget limit.",
		"Max budget: 10",
		"User ID: u1",
		"User email: a@example.com",
		"Message: spendexceeded",
	}, "\n"), sink.sent[0])

	rec = do(t, h, http.MethodPost, "/webhook/alerting", `{"event":"key_created","event_group":"key","spend":0}`, WebhookSecretHeader, "hook")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"skip"}`, rec.Body.String())
	assert.Len(t, sink.sent, 1)

	rec = do(t, h, http.MethodPost, "/webhook/alerting", `not json`, WebhookSecretHeader, "hook")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFormatThresholdCrossed(t *testing.T) {
	t.Parallel()
	text, ok := formatProxyEvent(proxyEvent{Event: "threshold_crossed", EventGroup: "team", TeamAlias: "research"})
	require.True(t, ok)
	assert.Equal(t, "🔴 team spend has crossed the alert threshold.\nTeam alias: research", text)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("evalwatch_up 1\n")) })
	h := New(Config{}, Deps{Metrics: metrics, Health: func() any { return map[string]int{"workers": 2} }}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","detail":{"workers":2}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, "evalwatch_up 1\n", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/", "").Code)
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Addr: "127.0.0.1:8080"}, false},
		{Config{Addr: "localhost:8080"}, false},
		{Config{Addr: "[::1]:8080"}, false},
		{Config{}, false},
		{Config{Addr: ":8080"}, true},
		{Config{Addr: "0.0.0.0:8080"}, true},
		{Config{Addr: "0.0.0.0:8080", AdminToken: "t"}, false},
		{Config{Addr: "0.0.0.0:8080", AllowInsecure: true}, false},
	}
	for _, tt := range tests {
		err := CheckBind(tt.cfg)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInsecureBind, tt.cfg.Addr)
		} else {
			assert.NoError(t, err, tt.cfg.Addr)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
	assert.Nil(t, s.Supervisor())

	disabled := New(Config{Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	require.NoError(t, disabled.Start(context.Background()))
	assert.Nil(t, disabled.Supervisor())
}
