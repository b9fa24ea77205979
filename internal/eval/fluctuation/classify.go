package fluctuation

import (
	"fmt"
	"math"
	"strings"
)

// Severity classifies one (model, dataset) pair.
type Severity int

const (
	InsufficientData Severity = iota
	Stable
	MinorRegression
	MajorChange
)

func (s Severity) String() string {
	switch s {
	case Stable:
		return "stable"
	case MinorRegression:
		return "minor_regression"
	case MajorChange:
		return "major_change"
	default:
		return "insufficient_data"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Severity) emoji() string {
	switch s {
	case Stable:
		return "🟢"
	case MinorRegression:
		return "🟡"
	case MajorChange:
		return "🔴"
	default:
		return "⚫️"
	}
}

// Policy selects how the delta is computed and banded.
type Policy string

const (
	// PolicySigned: delta = round(today-mean, 2) * 100 percentage points.
	// [0, band] is stable, (-band, 0) a minor regression, anything else major.
	PolicySigned Policy = "signed"
	// PolicyRelative: delta = |mean-today| / mean * 100; within band is stable.
	PolicyRelative Policy = "relative"
)

// ParsePolicy maps "" to PolicySigned.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySigned:
		return PolicySigned, nil
	case PolicyRelative:
		return PolicyRelative, nil
	default:
		return "", fmt.Errorf("unknown fluctuation policy %q", s)
	}
}

const (
	DefaultBand         = 5
	DefaultBaselineDays = 3
)

// Classify compares today against the mean of baseline. The caller
// guarantees baseline is a full window.
func Classify(policy Policy, band int, today float64, baseline []float64) (int, Severity) {
	if len(baseline) == 0 {
		return 0, InsufficientData
	}
	if band <= 0 {
		band = DefaultBand
	}
	var sum float64
	for _, v := range baseline {
		sum += v
	}
	mean := sum / float64(len(baseline))

	if policy == PolicyRelative {
		var pct int
		switch {
		case mean == 0 && today == 0:
			pct = 0
		case mean == 0:
			pct = 100
		default:
			pct = int(math.Round(math.Abs(mean-today) / mean * 100))
		}
		if pct <= band {
			return pct, Stable
		}
		return pct, MajorChange
	}

	delta := int(math.Round((today - mean) * 100))
	switch {
	case delta >= 0 && delta <= band:
		return delta, Stable
	case delta < 0 && delta > -band:
		return delta, MinorRegression
	default:
		return delta, MajorChange
	}
}
