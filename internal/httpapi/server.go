// Package httpapi is the control surface: scheduler job management, the model
// registry, evaluation queries, the proxy alerting webhook, health, metrics and
// optional pprof.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"evalwatch/internal/observability/pprof"
	rtsup "evalwatch/internal/runtime/supervisor"
	logx "evalwatch/pkg/logx"

	"github.com/gorilla/mux"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the HTTP server.
//
// Binding a non-loopback address requires AdminToken or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	AdminToken    string
	WebhookSecret string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof pprof.Config
}

var ErrInsecureBind = errors.New("httpapi: non-loopback addr requires admin_token or allow_insecure")

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Supervisor returns the serving supervisor, nil when stopped.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, empty until serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// CheckBind reports whether cfg may bind its address.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.AllowInsecure || strings.TrimSpace(cfg.AdminToken) != "" || isLoopbackAddr(addr) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInsecureBind, addr)
}

// Start serves in the background. It is idempotent and returns an error only
// when the bind address is refused.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		cur := s.cfg
		if !cur.Enabled {
			s.mu.Unlock()
			return nil
		}
		if err := CheckBind(cur); err != nil {
			s.mu.Unlock()
			s.log.Error("http refused to start", logx.String("addr", cur.Addr), logx.Err(err))
			return err
		}
		if cur.AllowInsecure && cur.AdminToken == "" && !isLoopbackAddr(cur.Addr) {
			s.log.Warn("http running without admin token on non-loopback addr (insecure)", logx.String("addr", cur.Addr))
		}
		pprof.ApplyRuntimeRates(cur.Pprof)

		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "http"))),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return nil
	}
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", cur.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("admin_token_set", cur.AdminToken != ""),
		logx.Bool("pprof", cur.Pprof.Enabled),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the router for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	h := &handlers{deps: s.deps, log: s.log, webhookSecret: strings.TrimSpace(cur.WebhookSecret)}
	admin := adminOnly(cur.AdminToken)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	// Not a PathPrefix subrouter: its prefix matcher hides 405 from mux.
	r.Handle("/scheduler/jobs", admin(http.HandlerFunc(h.listJobs))).Methods(http.MethodGet)
	r.Handle("/scheduler/jobs/{id}", admin(http.HandlerFunc(h.getJob))).Methods(http.MethodGet)
	r.Handle("/scheduler/jobs/{id}/pause", admin(http.HandlerFunc(h.pauseJob))).Methods(http.MethodPost)
	r.Handle("/scheduler/jobs/{id}/resume", admin(http.HandlerFunc(h.resumeJob))).Methods(http.MethodPost)
	r.Handle("/scheduler/jobs/{id}/run", admin(http.HandlerFunc(h.runJob))).Methods(http.MethodPost)

	r.HandleFunc("/models", h.listModels).Methods(http.MethodGet)
	r.Handle("/models", admin(http.HandlerFunc(h.createModel))).Methods(http.MethodPost)
	r.HandleFunc("/models/{model_id}", h.getModel).Methods(http.MethodGet)
	r.Handle("/models/{model_id}", admin(http.HandlerFunc(h.updateModel))).Methods(http.MethodPut)
	r.Handle("/models/{model_id}", admin(http.HandlerFunc(h.deleteModel))).Methods(http.MethodDelete)
	r.Handle("/models/{model_id}/dataset-keys", admin(http.HandlerFunc(h.setDatasetKeys))).Methods(http.MethodPatch)

	r.HandleFunc("/evaluations", h.listEvaluations).Methods(http.MethodGet)
	r.HandleFunc("/evaluations/chart-data", h.chartData).Methods(http.MethodGet)

	r.HandleFunc("/webhook/alerting", h.alerting).Methods(http.MethodPost)

	if cur.Pprof.Enabled {
		pprof.Mount(r, cur.Pprof.Prefix, admin)
	}
	return r
}
