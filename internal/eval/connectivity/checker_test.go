package connectivity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticModels []storage.ModelRegistration

func (s staticModels) ActiveModels(context.Context) ([]storage.ModelRegistration, error) {
	return s, nil
}

type captureSink struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSink) Send(_ context.Context, channel, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel == notifier.ChannelConnectivity {
		c.sent = append(c.sent, text)
	}
}

func (c *captureSink) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// proxy answers per model: "ok" models get a completion, "empty" models an
// empty choices list, everything else a 500.
func proxy(t *testing.T, key string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unreachable"))
			return
		case "/v1/chat/completions":
		default:
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+key {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch {
		case strings.HasPrefix(req.Model, "ok"):
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
		case strings.HasPrefix(req.Model, "empty"):
			_, _ = w.Write([]byte(`{"choices":[]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"upstream down"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAllHealthySendsNothing(t *testing.T) {
	srv := proxy(t, "k")
	sink := &captureSink{}
	c := New(Config{APIURL: srv.URL + "/v1/", APIKey: "k"},
		staticModels{{ModelID: "ok-1", DatasetKeys: []string{"A"}}}, sink, logx.Nop(), nil)
	c.cfg.ExtraModels = []string{"ok-2", "ok-1"}

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.True(t, r.Healthy, r.Model)
	}
	assert.Empty(t, sink.messages())
}

func TestEmptyChoicesIsAFailure(t *testing.T) {
	srv := proxy(t, "k")
	sink := &captureSink{}
	c := New(Config{APIURL: srv.URL + "/v1", APIKey: "k"},
		staticModels{{ModelID: "empty-1"}, {ModelID: "ok-1"}}, sink, logx.Nop(), nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "empty-1", res[0].Model)
	assert.False(t, res[0].Healthy)
	assert.Equal(t, http.StatusOK, res[0].Status)

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "❌ model empty-1 connectivity failed")
	assert.NotContains(t, msgs[0], "ok-1")
}

func TestFailuresAggregateIntoOneAlert(t *testing.T) {
	srv := proxy(t, "k")
	sink := &captureSink{}
	c := New(Config{
		APIURL:              srv.URL + "/v1",
		APIKey:              "k",
		HealthURL:           srv.URL + "/health",
		UnsupportedPrefixes: []string{"legacy-"},
		Concurrency:         2,
	}, staticModels{{ModelID: "bad-1"}, {ModelID: "bad-2"}, {ModelID: "legacy-x"}, {ModelID: "ok-1"}}, sink, logx.Nop(), nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 5)
	assert.Equal(t, healthTarget, res[0].Model)

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	lines := strings.Split(msgs[0], "\r\n")
	assert.Equal(t, []string{
		MessageHeader,
		"❌ health check failed: db unreachable",
		`❌ model bad-1 connectivity failed: {"error":"upstream down"}`,
		`❌ model bad-2 connectivity failed: {"error":"upstream down"}`,
	}, lines)
}

func TestWrongKeyReportsStatus(t *testing.T) {
	srv := proxy(t, "k")
	sink := &captureSink{}
	c := New(Config{APIURL: srv.URL + "/v1", APIKey: "wrong"}, staticModels{{ModelID: "ok-1"}}, sink, logx.Nop(), nil)
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "HTTP 401")
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sink := &captureSink{}
	c := New(Config{APIURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, sink, logx.Nop(), nil)
	c.cfg.ExtraModels = []string{"slow"}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Healthy)
	assert.Len(t, sink.messages(), 1)
}
