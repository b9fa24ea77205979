package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ForwardConfig controls the alert-channel log sink.
type ForwardConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int

	// ExcludeComps lists "comp" values that are never forwarded, such as
	// the alert sink itself.
	ExcludeComps []string
}

// Forwarder receives formatted log records. The alert sink implements it.
type Forwarder interface {
	Forward(ctx context.Context, text string)
}

const (
	maxRecordLen = 3500
	maxValueLen  = 600
	maxStackLen  = 900
)

type forwardWriter struct{ svc *Service }

func (w *forwardWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *forwardWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	minLvl := s.minLevel
	exclude := s.cfg.Forward.ExcludeComps
	s.mu.Unlock()

	if level < minLvl || lim == nil {
		return len(p), nil
	}
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		rec = nil
	}
	if comp, _ := rec["comp"].(string); comp != "" && slices.Contains(exclude, comp) {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	var msg string
	if rec != nil {
		msg = formatRecord(rec)
	} else {
		msg = truncate(strings.TrimSpace(string(p)), maxRecordLen)
	}
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.fwdQueue <- msg:
	default:
	}
	return len(p), nil
}

func (s *Service) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.fwdQueue:
			s.mu.Lock()
			fwd := s.fwd
			s.mu.Unlock()
			if fwd != nil {
				fwd.Forward(ctx, msg)
			}
		}
	}
}

// formatRecord renders a decoded zerolog record as plain text:
// "[LEVEL] message" followed by one "- key=value" line per field, sorted.
func formatRecord(rec map[string]any) string {
	lvl, _ := rec[zerolog.LevelFieldName].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := maxValueLen
		if k == "stack" {
			limit = maxStackLen
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(rec[k]), limit))
	}
	return truncate(b.String(), maxRecordLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
