package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"evalwatch/internal/eventbus"
	logx "evalwatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	errNoWebhook   = errors.New("no webhook configured")
	errRateLimited = errors.New("rate limited")
)

// Service sends alerts synchronously. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client

	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		client: &http.Client{},
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration; in-flight sends keep the old snapshot.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	hooks := make(map[string]string, len(cfg.Webhooks))
	for k, v := range cfg.Webhooks {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			hooks[k] = v
		}
	}
	cfg.Webhooks = hooks

	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Enabled reports whether any webhook is configured.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	n := len(s.cfg.Webhooks)
	s.mu.Unlock()
	return n > 0
}

// URLFor resolves the webhook of channel, falling back to the default one.
func (s *Service) URLFor(channel string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlForLocked(channel)
}

func (s *Service) urlForLocked(channel string) string {
	if u := s.cfg.Webhooks[strings.ToLower(channel)]; u != "" {
		return u
	}
	return s.cfg.Webhooks[ChannelDefault]
}

// Send delivers text to channel. Delivery errors are logged, not returned.
func (s *Service) Send(ctx context.Context, channel, text string) {
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if channel == "" {
		channel = ChannelDefault
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	url := s.urlForLocked(channel)
	s.mu.Unlock()

	log := s.log.With(logx.String("channel", channel))
	key := dedupKey(channel, text)

	if url == "" {
		log.Info("alert.unsent", logx.String("text", text))
		s.record(channel, text, "unsent")
		s.publish(eventbus.AlertFailed, channel, key, errNoWebhook)
		return
	}

	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		log.Debug("alert.deduped", logx.String("key", key))
		s.record(channel, text, "deduped")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if lim != nil {
		if err := lim.Wait(sendCtx); err != nil {
			log.Warn("alert.dropped", logx.String("reason", errRateLimited.Error()), logx.Err(err))
			s.record(channel, text, "dropped")
			s.publish(eventbus.AlertFailed, channel, key, errRateLimited)
			return
		}
	}

	if err := s.post(sendCtx, url, text); err != nil {
		log.Warn("alert.failed", logx.Err(err))
		s.record(channel, text, "failed")
		s.publish(eventbus.AlertFailed, channel, key, err)
		return
	}
	log.Debug("alert.sent")
	s.record(channel, text, "sent")
	s.publish(eventbus.AlertSent, channel, key, nil)
}

// Forward implements logx.Forwarder on the default channel.
func (s *Service) Forward(ctx context.Context, text string) {
	s.Send(ctx, ChannelDefault, text)
}

func (s *Service) post(ctx context.Context, url, text string) error {
	body, err := json.Marshal(feishuMessage{MsgType: "text", Content: feishuContent{Text: text}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	// Feishu answers 200 with a nonzero code on rejected payloads.
	var ack struct {
		Code *int   `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(raw, &ack) == nil && ack.Code != nil && *ack.Code != 0 {
		return fmt.Errorf("webhook code %d: %s", *ack.Code, ack.Msg)
	}
	return nil
}

func (s *Service) publish(typ, channel, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := AlertEvent{Channel: channel, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Snapshot returns recent alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) record(channel, text, status string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text, Status: status})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func dedupKey(channel, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(channel))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}
