package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/debug/pprof/", NormalizePrefix(""))
	assert.Equal(t, "/prof/", NormalizePrefix("prof"))
	assert.Equal(t, "/x/y/", NormalizePrefix("/x/y"))
}

func TestMountCustomPrefix(t *testing.T) {
	r := mux.NewRouter()
	var guarded int
	Mount(r, "/prof", func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			guarded++
			h.ServeHTTP(w, req)
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prof/goroutine?debug=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prof", nil))
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)

	assert.Equal(t, 2, guarded)
}
