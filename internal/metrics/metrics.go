// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the pipeline's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sbirctl",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests to the status endpoint.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbirctl",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of status-endpoint HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbirctl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of status-endpoint HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	extractRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbirctl",
		Subsystem: "extract",
		Name:      "rows_total",
		Help:      "Total rows read from each source, by outcome (ok|decode_error).",
	}, []string{"source", "outcome"})

	enrichmentAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbirctl",
		Subsystem: "enrich",
		Name:      "attempts_total",
		Help:      "Total enrichment attempts per source in the fallback chain, by outcome.",
	}, []string{"source", "outcome"})

	enrichmentConfidence = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbirctl",
		Subsystem: "enrich",
		Name:      "confidence",
		Help:      "Confidence score of accepted enrichment results.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"source"})

	assetMaterializeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbirctl",
		Subsystem: "assetrt",
		Name:      "materialize_duration_seconds",
		Help:      "Duration of asset materialization, by cache outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"asset_key", "cache_hit"})

	assetMemoryPressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sbirctl",
		Subsystem: "assetrt",
		Name:      "memory_pressure_ratio",
		Help:      "Sampled fraction of available memory in use during materialization.",
	})

	loadUpserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbirctl",
		Subsystem: "graphload",
		Name:      "upserts_total",
		Help:      "Total graph loader upserts, by node type and outcome (ok|conflict).",
	}, []string{"node_type", "outcome"})

	qualityGateEvaluations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sbirctl",
		Subsystem: "qualitygate",
		Name:      "observed_value",
		Help:      "Last observed value for a quality gate metric.",
	}, []string{"gate", "passed"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbirctl",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Duration of a full orchestrator run, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		extractRows,
		enrichmentAttempts,
		enrichmentConfidence,
		assetMaterializeDuration,
		assetMemoryPressure,
		loadUpserts,
		qualityGateEvaluations,
		runDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordExtractRow records one extracted row's outcome.
func RecordExtractRow(source string, decodeErr bool) {
	outcome := "ok"
	if decodeErr {
		outcome = "decode_error"
	}
	extractRows.WithLabelValues(source, outcome).Inc()
}

// RecordEnrichmentAttempt records one fallback-chain attempt and, on a hit,
// the confidence of the accepted value.
func RecordEnrichmentAttempt(sourceName string, hit bool, confidence float64) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	enrichmentAttempts.WithLabelValues(sourceName, outcome).Inc()
	if hit {
		enrichmentConfidence.WithLabelValues(sourceName).Observe(confidence)
	}
}

// RecordMaterialize records an asset materialization's duration and cache outcome.
func RecordMaterialize(assetKey string, cacheHit bool, duration time.Duration) {
	assetMaterializeDuration.WithLabelValues(assetKey, strconv.FormatBool(cacheHit)).Observe(duration.Seconds())
}

// RecordMemoryPressure publishes the latest sampled memory pressure ratio.
func RecordMemoryPressure(ratio float64) {
	assetMemoryPressure.Set(ratio)
}

// RecordUpsert records one graph-loader upsert outcome.
func RecordUpsert(nodeType string, conflict bool) {
	outcome := "ok"
	if conflict {
		outcome = "conflict"
	}
	loadUpserts.WithLabelValues(nodeType, outcome).Inc()
}

// RecordQualityGate records the observed value of a quality gate evaluation.
func RecordQualityGate(gateName string, passed bool, observed float64) {
	qualityGateEvaluations.WithLabelValues(gateName, strconv.FormatBool(passed)).Set(observed)
}

// RecordRunDuration records the wall-clock duration of a full run.
func RecordRunDuration(outcome string, duration time.Duration) {
	runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	return "/" + parts[0]
}
