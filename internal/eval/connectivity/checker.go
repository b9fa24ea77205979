// Package connectivity probes every tracked model through the proxy's chat
// completions endpoint and reports all failures of a sweep in one alert.
package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"evalwatch/internal/eventbus"
	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// MessageHeader opens the consolidated alert.
const MessageHeader = "Model connectivity check:"

const (
	DefaultTimeout     = 60 * time.Second
	DefaultConcurrency = 4
	healthTarget       = "(health)"
)

type ModelSource interface {
	ActiveModels(ctx context.Context) ([]storage.ModelRegistration, error)
}

type Sender interface {
	Send(ctx context.Context, channel, text string)
}

type Config struct {
	APIURL              string
	APIKey              string
	HealthURL           string
	ExtraModels         []string
	UnsupportedPrefixes []string
	Timeout             time.Duration
	Concurrency         int
}

// Result is the outcome for one probe target.
type Result struct {
	Model      string        `json:"model"`
	Healthy    bool          `json:"healthy"`
	Status     int           `json:"status,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Latency    time.Duration `json:"latency"`
	Suppressed bool          `json:"suppressed,omitempty"`
}

type Checker struct {
	cfg    Config
	models ModelSource
	sink   Sender
	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client
}

func New(cfg Config, models ModelSource, sink Sender, log logx.Logger, bus eventbus.Bus) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checker{cfg: cfg, models: models, sink: sink, log: log, bus: bus, client: &http.Client{}}
}

func (c *Checker) Execute(ctx context.Context) error {
	_, err := c.Run(ctx)
	return err
}

// Run performs one sweep. Only a failure to load the model set is returned.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	targets, err := c.targets(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	if c.cfg.HealthURL != "" {
		results = append(results, c.probeHealth(ctx))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, model := range targets {
		g.Go(func() error {
			r := c.probeModel(gctx, model)
			r.Suppressed = !r.Healthy && c.unsupported(model)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Model == healthTarget {
			return results[j].Model != healthTarget
		}
		if results[j].Model == healthTarget {
			return false
		}
		return results[i].Model < results[j].Model
	})

	var lines []string
	for _, r := range results {
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.ProbeResult, Time: time.Now(), Data: r})
		}
		switch {
		case r.Healthy:
			c.log.Debug("connectivity.ok", logx.String("model", r.Model), logx.Duration("latency", r.Latency))
		case r.Suppressed:
			c.log.Info("connectivity.unsupported", logx.String("model", r.Model), logx.String("detail", r.Detail))
		default:
			c.log.Error("connectivity.failed", logx.String("model", r.Model), logx.Int("status", r.Status), logx.String("detail", r.Detail))
			lines = append(lines, failureLine(r))
		}
	}

	c.log.Info("connectivity.done", logx.Int("targets", len(results)), logx.Int("failed", len(lines)))
	if len(lines) > 0 && c.sink != nil {
		c.sink.Send(ctx, notifier.ChannelConnectivity, MessageHeader+"\r\n"+strings.Join(lines, "\r\n"))
	}
	return results, nil
}

func failureLine(r Result) string {
	if r.Model == healthTarget {
		return fmt.Sprintf("❌ health check failed: %s", r.Detail)
	}
	return fmt.Sprintf("❌ model %s connectivity failed: %s", r.Model, r.Detail)
}

func (c *Checker) targets(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if c.models != nil {
		models, err := c.models.ActiveModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("load models: %w", err)
		}
		for _, m := range models {
			add(m.ModelID)
		}
	}
	for _, id := range c.cfg.ExtraModels {
		add(id)
	}
	return out, nil
}

func (c *Checker) unsupported(model string) bool {
	for _, p := range c.cfg.UnsupportedPrefixes {
		if p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Checker) probeModel(ctx context.Context, model string) Result {
	res := Result{Model: model}
	body, _ := json.Marshal(chatRequest{Model: model, Messages: []chatMessage{{Role: "user", Content: "hello"}}})

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.APIURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	res.Latency = time.Since(started)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	res.Status = resp.StatusCode

	if resp.StatusCode == http.StatusOK {
		var cr chatResponse
		if json.Unmarshal(raw, &cr) == nil && len(cr.Choices) > 0 && cr.Choices[0].Message.Content != "" {
			res.Healthy = true
			return res
		}
	}
	res.Detail = describe(resp.StatusCode, raw)
	return res
}

func (c *Checker) probeHealth(ctx context.Context) Result {
	res := Result{Model: healthTarget}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	started := time.Now()
	resp, err := c.client.Do(req)
	res.Latency = time.Since(started)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	res.Status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		res.Healthy = true
		return res
	}
	res.Detail = describe(resp.StatusCode, raw)
	return res
}

// describe prefers the response body and falls back to the status.
func describe(status int, raw []byte) string {
	if s := strings.TrimSpace(string(raw)); s != "" {
		if len(s) > 500 {
			s = s[:500] + "..."
		}
		return s
	}
	return fmt.Sprintf("HTTP %d", status)
}
