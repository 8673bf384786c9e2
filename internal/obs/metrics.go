package obs

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Collaboration engine metrics.
var (
	collabBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_batches_total",
			Help: "Change batches processed, by outcome.",
		},
		[]string{"outcome"},
	)

	collabChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_changes_total",
			Help: "Individual changes processed, by validation result.",
		},
		[]string{"result"},
	)

	collabLockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_lock_wait_seconds",
		Help:    "Time spent waiting for a document write lock.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	collabParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_participants",
		Help: "Participants currently joined across all documents.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			collabBatches, collabChanges, collabLockWait, collabParticipants,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// RecordBatch counts one ApplyChanges batch with its applied/skipped split.
func RecordBatch(applied, skipped int) {
	if applied > 0 {
		collabBatches.WithLabelValues("committed").Inc()
	} else {
		collabBatches.WithLabelValues("empty").Inc()
	}
	collabChanges.WithLabelValues("applied").Add(float64(applied))
	collabChanges.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveLockWait records how long a writer waited for a document lock.
func ObserveLockWait(d time.Duration) {
	collabLockWait.Observe(d.Seconds())
}

func ParticipantJoined() { collabParticipants.Inc() }
func ParticipantLeft()   { collabParticipants.Dec() }

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var documentSubresources = map[string]bool{
	"join":         true,
	"leave":        true,
	"changes":      true,
	"participants": true,
	"permissions":  true,
	"events":       true,
	"ws":           true,
}

// CanonicalPath replaces document ids with ":id" to keep label cardinality bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const prefix = "/v1/documents/"
	if !strings.HasPrefix(p, prefix) {
		return p
	}
	parts := strings.Split(strings.TrimPrefix(p, prefix), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return prefix + ":id"
	case len(parts) == 2 && parts[0] != "" && documentSubresources[parts[1]]:
		return prefix + ":id/" + parts[1]
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to WebSocket upgraders.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
