// Package pprof mounts net/http/pprof on the control-surface router.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gorilla/mux"
)

// Config controls the optional profiling endpoints.
type Config struct {
	Enabled bool
	Prefix  string

	MutexProfileFraction int
	BlockProfileRate     int
}

// ApplyRuntimeRates sets the runtime profiling rates. Zero keeps them off.
func ApplyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func NormalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Mount registers the pprof handlers under prefix. wrap guards every route
// (admin auth); nil mounts them unguarded.
func Mount(r *mux.Router, prefix string, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	prefix = NormalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")

	r.Handle(base+"/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
	r.Handle(base+"/profile", wrap(http.HandlerFunc(hpprof.Profile)))
	r.Handle(base+"/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
	r.Handle(base+"/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	r.Handle(base, http.RedirectHandler(prefix, http.StatusPermanentRedirect))
	r.PathPrefix(prefix).Handler(wrap(indexAt(prefix)))
}

// indexAt rewrites the path because pprof.Index assumes /debug/pprof/.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
