// Package metrics records what the proxy does: per-operation latency
// quantiles for shutdown reports, and Prometheus counters for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used for latency tracking and the duration histogram.
const (
	OpNegativeLookup = "negcache_lookup"
	OpNegativeRecord = "negcache_record"
	OpNegativeClear  = "negcache_clear"
	OpStoreGet       = "store_get"
	OpStorePut       = "store_put"
	OpStoreDelete    = "store_delete"
	OpUpstreamFetch  = "upstream_fetch"
	OpWriteBack      = "writeback"
)

// Backend names for the backend error counter.
const (
	BackendNegativeCache = "negative_cache"
	BackendObjectStore   = "object_store"
	BackendUpstream      = "upstream"
)

// Write-back results.
const (
	WriteBackStored  = "stored"
	WriteBackFailed  = "failed"
	WriteBackDropped = "dropped"
	WriteBackEvicted = "evicted"
)

// Recorder fans observations out to a LatencyTracker and Prometheus.
// It is safe for concurrent use.
type Recorder struct {
	latency *LatencyTracker

	requests       *prometheus.CounterVec
	backendErrors  *prometheus.CounterVec
	writeBacks     *prometheus.CounterVec
	corrupt        prometheus.Counter
	opDurationSecs *prometheus.HistogramVec
}

// NewRecorder registers the proxy's collectors with reg.
func NewRecorder(reg prometheus.Registerer, relativeAccuracy float64) *Recorder {
	r := &Recorder{
		latency: NewLatencyTracker(relativeAccuracy),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcacheproxy",
			Name:      "requests_total",
			Help:      "Requests handled, by how they were answered.",
		}, []string{"source", "code"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcacheproxy",
			Name:      "backend_errors_total",
			Help:      "Failed calls to external backends.",
		}, []string{"backend"}),
		writeBacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgcacheproxy",
			Name:      "writebacks_total",
			Help:      "Background object store jobs, by result.",
		}, []string{"result"}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgcacheproxy",
			Name:      "corrupt_objects_total",
			Help:      "Stored objects that failed to decode.",
		}),
		opDurationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imgcacheproxy",
			Name:      "operation_duration_seconds",
			Help:      "Latency of backend operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"operation"}),
	}
	reg.MustRegister(r.requests, r.backendErrors, r.writeBacks, r.corrupt, r.opDurationSecs)
	return r
}

// ObserveOp records the latency of a backend operation started at start.
func (r *Recorder) ObserveOp(operation string, start time.Time) {
	d := time.Since(start)
	r.latency.Record(operation, d)
	r.opDurationSecs.WithLabelValues(operation).Observe(d.Seconds())
}

// Request counts a client response.
func (r *Recorder) Request(source, code string) {
	r.requests.WithLabelValues(source, code).Inc()
}

// BackendError counts a failed backend call.
func (r *Recorder) BackendError(backend string) {
	r.backendErrors.WithLabelValues(backend).Inc()
}

// WriteBack counts a background job result.
func (r *Recorder) WriteBack(result string) {
	r.writeBacks.WithLabelValues(result).Inc()
}

// CorruptObject counts a stored object that could not be decoded.
func (r *Recorder) CorruptObject() {
	r.corrupt.Inc()
}

// Latency exposes the underlying tracker for reporting.
func (r *Recorder) Latency() *LatencyTracker {
	return r.latency
}
