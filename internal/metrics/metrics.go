// Package metrics exports fetch pipeline telemetry as Prometheus collectors and keeps a
// small in-process snapshot for the debug endpoint and end-of-run summaries.
package metrics

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

const namespace = "marketdata_fetcher"

// MetricsCollector owns a Prometheus registry and the pipeline's collectors. Its
// methods satisfy the observer hooks of the exchange client, cache store, rate
// limiter and retry policy. A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	registry  *prometheus.Registry
	startTime time.Time

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	usedWeight      prometheus.Gauge
	cacheLookups    *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	limiterGrants   prometheus.Counter
	limiterWait     prometheus.Histogram
	retries         *prometheus.CounterVec
	giveUps         *prometheus.CounterVec
	validation      *prometheus.CounterVec
	records         *prometheus.CounterVec
	datasets        *prometheus.CounterVec

	// snapshot counters
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	retryCount    atomic.Int64
	waitNanos     atomic.Int64
	candlesCount  atomic.Int64
	tradesCount   atomic.Int64
	issuesCount   atomic.Int64
	lastWeightVal atomic.Int64

	classifier atomic.Pointer[apperrors.ErrorClassifier]
}

// Snapshot is a point-in-time summary of the collector.
type Snapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ErrorRate      float64       `json:"error_rate"`
	CacheHits      int64         `json:"cache_hits"`
	CacheMisses    int64         `json:"cache_misses"`
	Retries        int64         `json:"retries"`
	RateLimitWait  time.Duration `json:"rate_limit_wait"`
	Candles        int64         `json:"candles"`
	Trades         int64         `json:"trades"`
	ValidationHits int64         `json:"validation_issues"`
	UsedWeight     int64         `json:"used_weight"`
	GoroutineCount int           `json:"goroutine_count"`
	HeapAlloc      uint64        `json:"heap_alloc"`

	Errors map[apperrors.ErrorType]apperrors.ErrorStats `json:"errors,omitempty"`
}

// NewMetricsCollector creates a collector with its own registry, including Go runtime
// and process collectors.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Exchange API requests by endpoint and HTTP status (0 for transport errors).",
		}, []string{"endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Exchange API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		usedWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_used_weight",
			Help:      "Request weight used in the current minute as reported by the exchange.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by batch kind and result.",
		}, []string{"kind", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes by batch kind and outcome.",
		}, []string{"kind", "outcome"}),
		limiterGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_grants_total",
			Help:      "Requests admitted by the rate limiter.",
		}),
		limiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time callers spent waiting for a rate limiter grant.",
			Buckets:   []float64{0, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried operations by operation and error type.",
		}, []string{"operation", "error_type"}),
		giveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Operations that failed after their last attempt.",
		}, []string{"operation", "error_type"}),
		validation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_issues_total",
			Help:      "Validation rule hits by batch kind and rule.",
		}, []string{"kind", "rule"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Candles and trades returned to callers, by kind and source.",
		}, []string{"kind", "source"}),
		datasets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datasets_total",
			Help:      "Completed dataset fetches by outcome.",
		}, []string{"outcome"}),
	}

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.requests,
		mc.requestDuration,
		mc.usedWeight,
		mc.cacheLookups,
		mc.cacheWrites,
		mc.limiterGrants,
		mc.limiterWait,
		mc.retries,
		mc.giveUps,
		mc.validation,
		mc.records,
		mc.datasets,
	)
	return mc
}

// Registry exposes the registry for HTTP handlers.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// ObserveRequest records one exchange request.
func (mc *MetricsCollector) ObserveRequest(endpoint string, status int, duration time.Duration, err error) {
	if mc == nil {
		return
	}
	mc.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	mc.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	mc.requestCount.Add(1)
	if err != nil {
		mc.errorCount.Add(1)
	}
}

// ObserveUsedWeight records the exchange-reported request weight.
func (mc *MetricsCollector) ObserveUsedWeight(weight int) {
	if mc == nil {
		return
	}
	mc.usedWeight.Set(float64(weight))
	mc.lastWeightVal.Store(int64(weight))
}

// CacheLookup records a cache lookup result.
func (mc *MetricsCollector) CacheLookup(kind models.BatchKind, result string) {
	if mc == nil {
		return
	}
	mc.cacheLookups.WithLabelValues(string(kind), result).Inc()
	if result == "memory_hit" || result == "disk_hit" {
		mc.cacheHits.Add(1)
	} else {
		mc.cacheMisses.Add(1)
	}
}

// CacheWrite records a cache save.
func (mc *MetricsCollector) CacheWrite(kind models.BatchKind, err error) {
	if mc == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mc.cacheWrites.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveGrant matches the rate limiter's grant hook.
func (mc *MetricsCollector) ObserveGrant(_ time.Time, waited time.Duration) {
	if mc == nil {
		return
	}
	mc.limiterGrants.Inc()
	mc.limiterWait.Observe(waited.Seconds())
	mc.waitNanos.Add(int64(waited))
}

// ObserveValidation counts rule hits of a validation result.
func (mc *MetricsCollector) ObserveValidation(kind models.BatchKind, result *models.ValidationResult) {
	if mc == nil || result == nil {
		return
	}
	for rule, n := range result.Metrics {
		if n > 0 {
			mc.validation.WithLabelValues(string(kind), rule).Add(float64(n))
			mc.issuesCount.Add(int64(n))
		}
	}
}

// ObserveRecords counts records handed to callers; source is "cache" or "network".
func (mc *MetricsCollector) ObserveRecords(kind models.BatchKind, source string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.records.WithLabelValues(string(kind), source).Add(float64(n))
	switch kind {
	case models.KindCandles:
		mc.candlesCount.Add(int64(n))
	case models.KindTrades:
		mc.tradesCount.Add(int64(n))
	}
}

// ObserveDataset records the outcome of a complete dataset fetch.
func (mc *MetricsCollector) ObserveDataset(err error) {
	if mc == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case apperrors.IsCacheWriteOnly(err):
		outcome = "uncached"
	default:
		outcome = "failed"
	}
	mc.datasets.WithLabelValues(outcome).Inc()
}

// TrackErrors adds ec's per-type failure counts to every snapshot.
func (mc *MetricsCollector) TrackErrors(ec *apperrors.ErrorClassifier) {
	if mc == nil {
		return
	}
	mc.classifier.Store(ec)
}

// RetryObserver returns a retry observer labelling events with operation.
func (mc *MetricsCollector) RetryObserver(operation string) *RetryObserver {
	return &RetryObserver{mc: mc, operation: operation}
}

// RetryObserver adapts the collector to the retry package's Observer interface.
type RetryObserver struct {
	mc        *MetricsCollector
	operation string
}

func (o *RetryObserver) OnRetry(_ context.Context, _ int, _ time.Duration, err error) {
	if o.mc == nil {
		return
	}
	o.mc.retries.WithLabelValues(o.operation, string(apperrors.TypeOf(err))).Inc()
	o.mc.retryCount.Add(1)
}

func (o *RetryObserver) OnGiveUp(_ context.Context, _ int, err error) {
	if o.mc == nil {
		return
	}
	o.mc.giveUps.WithLabelValues(o.operation, string(apperrors.TypeOf(err))).Inc()
}

// GetSnapshot returns the current counters.
func (mc *MetricsCollector) GetSnapshot() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := Snapshot{
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(mc.startTime),
		RequestCount:   mc.requestCount.Load(),
		ErrorCount:     mc.errorCount.Load(),
		CacheHits:      mc.cacheHits.Load(),
		CacheMisses:    mc.cacheMisses.Load(),
		Retries:        mc.retryCount.Load(),
		RateLimitWait:  time.Duration(mc.waitNanos.Load()),
		Candles:        mc.candlesCount.Load(),
		Trades:         mc.tradesCount.Load(),
		ValidationHits: mc.issuesCount.Load(),
		UsedWeight:     mc.lastWeightVal.Load(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      m.HeapAlloc,
	}
	if ec := mc.classifier.Load(); ec != nil {
		s.Errors = ec.GetStats()
	}
	if s.RequestCount > 0 {
		s.ErrorRate = float64(s.ErrorCount) / float64(s.RequestCount)
	}
	return s
}
