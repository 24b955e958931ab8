// Package metrics exposes Prometheus instrumentation for the controller link
// and the mountd HTTP surface.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofe_galil_commands_total",
			Help: "Controller commands sent, by mnemonic and result.",
		},
		[]string{"command", "result"},
	)

	commandDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cofe_galil_command_duration_seconds",
			Help:    "Time from writing a command to receiving its reply.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
		},
		[]string{"command"},
	)

	staleFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cofe_galil_stale_frames_total",
		Help: "Reply frames discarded before sending a command.",
	})

	droppedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cofe_galil_dropped_frames_total",
		Help: "Reply frames dropped because the frame buffer was full.",
	})

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofe_galil_retries_total",
			Help: "Queries retried after an empty or malformed reply.",
		},
		[]string{"command"},
	)

	pollDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cofe_mount_poll_duration_seconds",
		Help:    "Duration of a full telemetry poll.",
		Buckets: prometheus.DefBuckets,
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cofe_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(commandDurationSeconds)
	prometheus.MustRegister(staleFramesTotal)
	prometheus.MustRegister(droppedFramesTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(pollDurationSeconds)
	prometheus.MustRegister(httpRequestsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Command records one controller exchange. result is "ok", "rejected",
// "timeout" or "error".
func Command(command, result string, d time.Duration) {
	commandsTotal.WithLabelValues(command, result).Inc()
	commandDurationSeconds.WithLabelValues(command).Observe(d.Seconds())
}

func StaleFrames(n int) {
	staleFramesTotal.Add(float64(n))
}

func DroppedFrame() {
	droppedFramesTotal.Inc()
}

func Retry(command string) {
	retriesTotal.WithLabelValues(command).Inc()
}

func Poll(d time.Duration) {
	pollDurationSeconds.Observe(d.Seconds())
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

// unmatchedPath labels requests that did not go through a mux route.
const unmatchedPath = "unmatched"

// routePath returns the template of the matched route, so the path label
// stays bounded whatever URLs clients send.
func routePath(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedPath
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return unmatchedPath
	}
	return tmpl
}

// Middleware counts requests by route template, method and status code.
// Install it with (*mux.Router).Use so the matched route is known.
// Websocket upgrades hijack the connection and are counted when the
// handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(routePath(r), r.Method, strconv.Itoa(rw.statusCode)).Inc()
	})
}
