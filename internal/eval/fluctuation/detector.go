// Package fluctuation compares each day's benchmark scores against the
// trailing baseline and reports day-over-day regressions in one alert.
package fluctuation

import (
	"context"
	"fmt"
	"strings"

	"evalwatch/internal/notifier"
	"evalwatch/internal/storage"
	logx "evalwatch/pkg/logx"
)

// MessageHeader opens the consolidated alert.
const MessageHeader = "Evaluation score deviation from baseline:"

// Store is the read side the detector needs.
type Store interface {
	ActiveModels(ctx context.Context) ([]storage.ModelRegistration, error)
	EvaluationsInRange(ctx context.Context, modelID, datasetKey string, from, to storage.Day) ([]storage.EvaluationRecord, error)
}

// Sender delivers the consolidated message.
type Sender interface {
	Send(ctx context.Context, channel, text string)
}

type Config struct {
	Policy       Policy
	Band         int
	BaselineDays int
}

// Finding is the outcome for one (model, dataset key).
type Finding struct {
	ModelID      string   `json:"model_id"`
	DatasetKey   string   `json:"dataset_key"`
	Today        float64  `json:"today"`
	Baseline     float64  `json:"baseline"`
	DeltaPercent int      `json:"delta_percent"`
	Severity     Severity `json:"severity"`
}

func (f Finding) Key() string { return f.ModelID + "/" + f.DatasetKey }

type Detector struct {
	cfg   Config
	store Store
	sink  Sender
	log   logx.Logger
}

func New(cfg Config, store Store, sink Sender, log logx.Logger) *Detector {
	if cfg.Policy == "" {
		cfg.Policy = PolicySigned
	}
	if cfg.Band <= 0 {
		cfg.Band = DefaultBand
	}
	if cfg.BaselineDays <= 0 {
		cfg.BaselineDays = DefaultBaselineDays
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{cfg: cfg, store: store, sink: sink, log: log}
}

// Run classifies every registered (model, dataset key) for day and sends
// one message. A nil models slice loads the active models from the store.
func (d *Detector) Run(ctx context.Context, day storage.Day, models []storage.ModelRegistration) ([]Finding, error) {
	if models == nil {
		var err error
		models, err = d.store.ActiveModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("load models: %w", err)
		}
	}

	var findings []Finding
	for _, m := range models {
		for _, key := range m.DatasetKeys {
			findings = append(findings, d.evaluate(ctx, day, m.ModelID, key))
		}
	}

	d.log.Info("fluctuation.done",
		logx.String("day", day.String()),
		logx.Int("pairs", len(findings)),
		logx.Any("deltas", deltaMap(findings)),
	)
	if len(findings) > 0 && d.sink != nil {
		d.sink.Send(ctx, notifier.ChannelFluctuation, FormatMessage(findings))
	}
	return findings, nil
}

func (d *Detector) evaluate(ctx context.Context, day storage.Day, modelID, key string) Finding {
	f := Finding{ModelID: modelID, DatasetKey: key, Severity: InsufficientData}
	log := d.log.With(logx.String("model", modelID), logx.String("dataset", key), logx.String("day", day.String()))

	todayRecs, err := d.store.EvaluationsInRange(ctx, modelID, key, day, day.AddDays(1))
	if err != nil {
		log.Error("fluctuation.read_failed", logx.Err(err))
		return f
	}
	today, ok := firstUsable(todayRecs)
	if !ok {
		return f
	}
	f.Today = today

	baseRecs, err := d.store.EvaluationsInRange(ctx, modelID, key, day.AddDays(-d.cfg.BaselineDays), day)
	if err != nil {
		log.Error("fluctuation.read_failed", logx.Err(err))
		return f
	}
	baseline := usable(baseRecs)
	if len(baseline) < d.cfg.BaselineDays {
		return f
	}

	var sum float64
	for _, v := range baseline {
		sum += v
	}
	f.Baseline = sum / float64(len(baseline))
	f.DeltaPercent, f.Severity = Classify(d.cfg.Policy, d.cfg.Band, today, baseline)
	return f
}

func firstUsable(recs []storage.EvaluationRecord) (float64, bool) {
	for _, r := range recs {
		if !r.Failed() {
			return r.Score, true
		}
	}
	return 0, false
}

func usable(recs []storage.EvaluationRecord) []float64 {
	out := make([]float64, 0, len(recs))
	for _, r := range recs {
		if !r.Failed() {
			out = append(out, r.Score)
		}
	}
	return out
}

// FormatMessage renders findings as one alert body.
func FormatMessage(findings []Finding) string {
	lines := make([]string, 0, len(findings)+1)
	lines = append(lines, MessageHeader)
	for _, f := range findings {
		if f.Severity == InsufficientData {
			lines = append(lines, fmt.Sprintf("%s %s: skipped, insufficient data", f.Severity.emoji(), f.Key()))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s: %d%%", f.Severity.emoji(), f.Key(), f.DeltaPercent))
	}
	return strings.Join(lines, "\r\n")
}

func deltaMap(findings []Finding) map[string]any {
	out := make(map[string]any, len(findings))
	for _, f := range findings {
		if f.Severity == InsufficientData {
			out[f.Key()] = nil
			continue
		}
		out[f.Key()] = f.DeltaPercent
	}
	return out
}
