package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNoMetric is returned when a report carries no usable metric.
var ErrNoMetric = errors.New("benchmark: report has no metric")

// GenerationConfig is passed through to the model under test.
type GenerationConfig struct {
	Temperature float64 `json:"temperature"`
	DoSample    bool    `json:"do_sample"`
}

// Task is the evaluator input for one (model, dataset) pair.
type Task struct {
	Model            string           `json:"model"`
	Datasets         []string         `json:"datasets"`
	DatasetArgs      json.RawMessage  `json:"dataset_args,omitempty"`
	EvalType         string           `json:"eval_type"`
	APIURL           string           `json:"api_url"`
	APIKey           string           `json:"api_key"`
	Timeout          int              `json:"timeout"`
	EvalBatchSize    int              `json:"eval_batch_size"`
	Limit            int              `json:"limit"`
	GenerationConfig GenerationConfig `json:"generation_config"`
	DatasetDir       string           `json:"dataset_dir,omitempty"`
	JudgeWorkerNum   int              `json:"judge_worker_num"`
	UseCache         string           `json:"use_cache,omitempty"`
}

type Category struct {
	Name []string `json:"name"`
}

type Metric struct {
	Name       string     `json:"name"`
	Score      float64    `json:"score"`
	Num        int        `json:"num"`
	Categories []Category `json:"categories"`
}

// Report is the evaluator output.
type Report struct {
	Metrics []Metric `json:"metrics"`
}

// Result is the first metric of a report, flattened.
type Result struct {
	Metric string
	Score  float64
	Subset string
	Num    int
}

// First extracts the headline result.
func (r Report) First() (Result, error) {
	if len(r.Metrics) == 0 {
		return Result{}, ErrNoMetric
	}
	m := r.Metrics[0]
	res := Result{Metric: m.Name, Score: m.Score, Num: m.Num}
	if len(m.Categories) > 0 {
		res.Subset = strings.Join(m.Categories[0].Name, ",")
	}
	return res, nil
}

// Evaluator runs one benchmark task.
type Evaluator interface {
	Evaluate(ctx context.Context, task Task) (Report, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, task Task) (Report, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, task Task) (Report, error) { return f(ctx, task) }

// DefaultCommand is the evaluation bridge invoked when none is configured.
var DefaultCommand = []string{"evalscope-bridge"}

// CommandEvaluator runs an external command per task: task JSON on stdin,
// report JSON on stdout. A non-zero exit fails the task with the stderr tail.
type CommandEvaluator struct {
	Command []string
	Env     []string
}

func (c CommandEvaluator) Evaluate(ctx context.Context, task Task) (Report, error) {
	argv := c.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	in, err := json.Marshal(task)
	if err != nil {
		return Report{}, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(os.Environ(), c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not outlive the context for long.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Report{}, fmt.Errorf("evaluator: %w", ctx.Err())
		}
		return Report{}, fmt.Errorf("evaluator %s: %w: %s", argv[0], err, tail(stderr.String(), 512))
	}

	var rep Report
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rep); err != nil {
		return Report{}, fmt.Errorf("evaluator %s: decode report: %w", argv[0], err)
	}
	return rep, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
