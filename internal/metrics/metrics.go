package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Single-flight outcomes.
const (
	FlightProducer = "producer"
	FlightWaited   = "waited"
	FlightTimeout  = "timeout"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	s3OperationsTotal     *prometheus.CounterVec
	s3OperationDuration   *prometheus.HistogramVec
	s3OperationErrors     *prometheus.CounterVec
	cacheLookups          *prometheus.CounterVec
	singleFlightOutcomes  *prometheus.CounterVec
	keyPairsCreated       prometheus.Counter
	decryptions           *prometheus.CounterVec
	authorizationDecision *prometheus.CounterVec
	externalCallDuration  *prometheus.HistogramVec
	externalCallErrors    *prometheus.CounterVec
	uploadValidations     *prometheus.CounterVec
	statsTotals           *prometheus.GaugeVec
	goroutines            prometheus.Gauge
	memoryAllocBytes      prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		s3OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operations_total",
				Help: "Total number of S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		s3OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_operation_duration_seconds",
				Help:    "S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		s3OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operation_errors_total",
				Help: "Total number of S3 operation errors",
			},
			[]string{"operation", "bucket"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache-aside lookups by purpose and result",
			},
			[]string{"purpose", "result"}, // result: hit or miss
		),
		singleFlightOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "single_flight_outcomes_total",
				Help: "Single-flight cache misses by outcome",
			},
			[]string{"outcome"},
		),
		keyPairsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "key_pairs_created_total",
				Help: "Total number of asymmetric key pairs generated and persisted",
			},
		),
		decryptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "envelope_decryptions_total",
				Help: "Symmetric key envelope decryptions by result",
			},
			[]string{"result"},
		),
		authorizationDecision: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authorization_decisions_total",
				Help: "Authorization decisions by result",
			},
			[]string{"result"},
		),
		externalCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_call_duration_seconds",
				Help:    "Duration of calls to external services",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		externalCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_call_errors_total",
				Help: "Failed calls to external services",
			},
			[]string{"service"},
		),
		uploadValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_validations_total",
				Help: "Upload validation results",
			},
			[]string{"outcome"}, // exists, missing, unknown
		),
		statsTotals: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resolver_stats_window_total",
				Help: "Cluster-wide resolver stats for the last aggregation window",
			},
			[]string{"resolver", "stat"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation metric.
func (m *Metrics) RecordS3Operation(operation, bucket string, duration time.Duration) {
	if m == nil {
		return
	}
	m.s3OperationsTotal.WithLabelValues(operation, bucket).Inc()
	m.s3OperationDuration.WithLabelValues(operation, bucket).Observe(duration.Seconds())
}

// RecordS3Error records an S3 operation error.
func (m *Metrics) RecordS3Error(operation, bucket string) {
	if m == nil {
		return
	}
	m.s3OperationErrors.WithLabelValues(operation, bucket).Inc()
}

// RecordCacheLookup records a cache-aside hit or miss for a purpose.
func (m *Metrics) RecordCacheLookup(purpose string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(purpose, result).Inc()
}

// RecordSingleFlight records how a single-flight miss was resolved.
func (m *Metrics) RecordSingleFlight(outcome string) {
	if m == nil {
		return
	}
	m.singleFlightOutcomes.WithLabelValues(outcome).Inc()
}

// RecordKeyPairCreated counts a freshly generated key pair.
func (m *Metrics) RecordKeyPairCreated() {
	if m == nil {
		return
	}
	m.keyPairsCreated.Inc()
}

// RecordDecryption records an envelope decryption result.
func (m *Metrics) RecordDecryption(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.decryptions.WithLabelValues(result).Inc()
}

// RecordAuthorization records an authorization decision.
func (m *Metrics) RecordAuthorization(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "granted"
	}
	m.authorizationDecision.WithLabelValues(result).Inc()
}

// RecordExternalCall records the duration and outcome of an external service call.
func (m *Metrics) RecordExternalCall(service string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.externalCallDuration.WithLabelValues(service).Observe(duration.Seconds())
	if err != nil {
		m.externalCallErrors.WithLabelValues(service).Inc()
	}
}

// RecordUploadValidation records the outcome of a delayed upload check.
func (m *Metrics) RecordUploadValidation(outcome string) {
	if m == nil {
		return
	}
	m.uploadValidations.WithLabelValues(outcome).Inc()
}

// SetStatsTotal publishes an aggregated stat for the last window.
func (m *Metrics) SetStatsTotal(resolver, stat string, value float64) {
	if m == nil {
		return
	}
	m.statsTotals.WithLabelValues(resolver, stat).Set(value)
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	if m == nil {
		return
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector periodically updates system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
