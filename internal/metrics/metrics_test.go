package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCommand(t *testing.T) {
	before := testutil.ToFloat64(commandsTotal.WithLabelValues("TP", "ok"))
	Command("TP", "ok", 3*time.Millisecond)
	if got := testutil.ToFloat64(commandsTotal.WithLabelValues("TP", "ok")) - before; got != 1 {
		t.Errorf("cofe_galil_commands_total{TP,ok} grew by %v, want 1", got)
	}
}

func TestFrameCounters(t *testing.T) {
	stale := testutil.ToFloat64(staleFramesTotal)
	StaleFrames(3)
	if got := testutil.ToFloat64(staleFramesTotal) - stale; got != 3 {
		t.Errorf("stale frames grew by %v, want 3", got)
	}
	dropped := testutil.ToFloat64(droppedFramesTotal)
	DroppedFrame()
	if got := testutil.ToFloat64(droppedFramesTotal) - dropped; got != 1 {
		t.Errorf("dropped frames grew by %v, want 1", got)
	}
}

func TestMiddlewareLabelsRoutes(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r := mux.NewRouter()
	r.Handle("/api/items/{id}", teapot)
	r.PathPrefix("/").Handler(teapot)
	r.Use(Middleware)

	for _, test := range []struct {
		name   string
		target string
		h      http.Handler
		path   string
	}{
		{"route template", "/api/items/7", r, "/api/items/{id}"},
		{"catch-all", "/static/app-1234.js", r, "/"},
		{"no router", "/anything/at/all", Middleware(teapot), unmatchedPath},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := httpRequestsTotal.WithLabelValues(test.path, "GET", "418")
			before := testutil.ToFloat64(c)
			test.h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, test.target, nil))
			if got := testutil.ToFloat64(c) - before; got != 1 {
				t.Errorf("cofe_http_requests_total{path=%q} grew by %v, want 1", test.path, got)
			}
			if n := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(test.target, "GET", "418")); n != 0 {
				t.Errorf("raw path %q used as a label", test.target)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	Retry("TP")
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, name := range []string{"cofe_galil_retries_total", "cofe_galil_stale_frames_total"} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Errorf("/metrics does not expose %s", name)
		}
	}
}
