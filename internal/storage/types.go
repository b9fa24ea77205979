package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): DSN is a file path
//   - "postgres": DSN is a lib/pq connection string
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means 10
}

// FailedScore marks a benchmark run that produced no metric.
const FailedScore = -1.0

// EvaluationRecord is one benchmark result, unique per (ModelID, DatasetKey, Date).
type EvaluationRecord struct {
	ModelID     string    `json:"model_id"`
	DatasetKey  string    `json:"dataset_key"`
	DatasetName string    `json:"dataset_name"`
	Date        Day       `json:"date"`
	Metric      string    `json:"metric"`
	Score       float64   `json:"score"`
	Subset      string    `json:"subset"`
	Num         int       `json:"num"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Failed reports whether the record is the failure sentinel.
func (r EvaluationRecord) Failed() bool { return r.Score == FailedScore }

// ModelRegistration lists the datasets a model is benchmarked on. An empty
// set excludes the model from scheduled work.
type ModelRegistration struct {
	ModelID     string    `json:"model_id"`
	DatasetKeys []string  `json:"dataset_keys"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EvaluationFilter narrows QueryEvaluations. Zero fields do not filter.
// Start is inclusive and End exclusive.
type EvaluationFilter struct {
	Start       Day
	End         Day
	ModelID     string
	DatasetName string
	DatasetKey  string
	Subset      string
	Metric      string
}
