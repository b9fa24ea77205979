package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"evalwatch/internal/storage"
	"evalwatch/internal/task/scheduler"
	logx "evalwatch/pkg/logx"

	"github.com/gorilla/mux"
)

// Scheduler is the job-management surface of *scheduler.Service.
type Scheduler interface {
	Jobs() ([]scheduler.JobInfo, error)
	Job(id string) (scheduler.JobInfo, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	RunNow(id string) error
	Location() *time.Location
}

// Store is the model registry and score history.
type Store interface {
	ListModels(ctx context.Context) ([]storage.ModelRegistration, error)
	GetModel(ctx context.Context, modelID string) (storage.ModelRegistration, error)
	CreateModel(ctx context.Context, m storage.ModelRegistration) (storage.ModelRegistration, error)
	UpdateModel(ctx context.Context, modelID string, datasetKeys []string) (storage.ModelRegistration, error)
	DeleteModel(ctx context.Context, modelID string) error
	QueryEvaluations(ctx context.Context, f storage.EvaluationFilter) ([]storage.EvaluationRecord, error)
}

type Sender interface {
	Send(ctx context.Context, channel, text string)
}

// Deps are the components behind the routes. A nil Scheduler answers 503 on
// scheduler routes; a nil Health reports only {"status":"ok"}.
type Deps struct {
	Scheduler Scheduler
	Store     Store
	Alerts    Sender
	Metrics   http.Handler
	Health    func() any
}

type handlers struct {
	deps          Deps
	log           logx.Logger
	webhookSecret string
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.deps.Health != nil {
		body["detail"] = h.deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

const nextRunLayout = "2006-01-02 15:04:05"

type jobView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	NextRunTime  *string           `json:"next_run_time"`
	Trigger      string            `json:"trigger"`
	TriggerArgs  map[string]string `json:"trigger_args"`
	Paused       bool              `json:"paused"`
	MaxInstances int               `json:"max_instances"`
	Running      int               `json:"running"`
	LastRun      *time.Time        `json:"last_run,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

func viewJob(j scheduler.JobInfo, loc *time.Location) jobView {
	v := jobView{
		ID:           j.ID,
		Name:         j.Name,
		Trigger:      j.Trigger,
		TriggerArgs:  j.TriggerArgs,
		Paused:       j.Paused,
		MaxInstances: j.MaxInstances,
		Running:      j.Running,
		LastRun:      j.LastRun,
		LastError:    j.LastError,
	}
	if v.TriggerArgs == nil {
		v.TriggerArgs = map[string]string{}
	}
	if j.NextRunTime != nil {
		t := *j.NextRunTime
		if loc != nil {
			t = t.In(loc)
		}
		s := t.Format(nextRunLayout)
		v.NextRunTime = &s
	}
	return v
}

func (h *handlers) scheduler(w http.ResponseWriter) (Scheduler, bool) {
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return nil, false
	}
	return h.deps.Scheduler, true
}

func (h *handlers) schedulerError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job "+id+" not found")
	case errors.Is(err, scheduler.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
	case errors.Is(err, scheduler.ErrMaxInstances), errors.Is(err, scheduler.ErrDuplicateJobID):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("http.scheduler_error", logx.String("job_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) listJobs(w http.ResponseWriter, _ *http.Request) {
	sched, ok := h.scheduler(w)
	if !ok {
		return
	}
	jobs, err := sched.Jobs()
	if err != nil {
		h.schedulerError(w, "", err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j, sched.Location()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.scheduler(w)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	j, err := sched.Job(id)
	if err != nil {
		h.schedulerError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j, sched.Location()))
}

func (h *handlers) pauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, http.StatusNoContent, func(s Scheduler, id string) error { return s.Pause(r.Context(), id) })
}

func (h *handlers) resumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, http.StatusNoContent, func(s Scheduler, id string) error { return s.Resume(r.Context(), id) })
}

func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, http.StatusAccepted, func(s Scheduler, id string) error { return s.RunNow(id) })
}

func (h *handlers) jobAction(w http.ResponseWriter, r *http.Request, okStatus int, fn func(Scheduler, string) error) {
	sched, ok := h.scheduler(w)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := fn(sched, id); err != nil {
		h.schedulerError(w, id, err)
		return
	}
	h.log.Info("http.job_action", logx.String("job_id", id), logx.String("path", r.URL.Path))
	w.WriteHeader(okStatus)
}
