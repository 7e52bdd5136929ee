package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_economy"

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})
	httpRequests = counterVec("http", "requests_total", "HTTP requests by method, route and status.", "method", "path", "status")
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	ledgerOps = counterVec("ledger", "operations_total", "Ledger operations by name and outcome code.", "op", "code")

	roundsTotal   = counterVec("distribution", "rounds_total", "Distribution rounds by result.", "result")
	receiptsTotal = counterVec("distribution", "receipts_total", "Per-pair distribution outcomes.", "outcome")
	roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "distribution", Name: "round_duration_seconds",
		Help:    "Duration of distribution rounds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	creditedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "distribution", Name: "credited_total",
		Help: "Reward units credited by distribution rounds.",
	})
)

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		ledgerOps,
		roundsTotal, receiptsTotal, roundDuration, creditedTotal,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler counts and times every request except scrapes.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		path, method := canonicalPath(r.URL.Path), strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation counts a ledger operation with its outcome code.
func RecordOperation(op, code string) {
	if code == "" {
		code = "OK"
	}
	ledgerOps.WithLabelValues(op, code).Inc()
}

// Round summarises one distribution round for RecordRound.
type Round struct {
	Stopped  bool
	Err      error
	Duration time.Duration
	Credited uint64
	Outcomes map[string]int
}

// RecordRound records metrics for a finished distribution round.
func RecordRound(r Round) {
	result := "completed"
	switch {
	case r.Err != nil:
		result = "error"
	case r.Stopped:
		result = "stopped"
	}
	if r.Duration <= 0 {
		r.Duration = time.Millisecond
	}
	roundsTotal.WithLabelValues(result).Inc()
	roundDuration.Observe(r.Duration.Seconds())
	creditedTotal.Add(float64(r.Credited))
	for outcome, n := range r.Outcomes {
		receiptsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

// collections are path segments followed by a caller-chosen identifier.
var collections = map[string]bool{
	"accounts":  true,
	"targets":   true,
	"stakes":    true,
	"grants":    true,
	"proposals": true,
	"rounds":    true,
}

// canonicalPath collapses identifiers so label cardinality stays bounded:
// /v1/accounts/alice/stakes/svc becomes /v1/accounts/:id/stakes/:id.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := 1; i < len(parts); i++ {
		if collections[parts[i-1]] && parts[i] != "claim" {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
