package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, the profile
// cache and the submission workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	submissionsCreated  *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	payloadEdits        prometheus.Counter
	reportsAppended     prometheus.Counter
	documentsStored     *prometheus.CounterVec
	uploadsRejected     *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	submissionsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_submissions_created_total",
		Help: "Submissions created by form type",
	}, []string{"form_type"})

	statusTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_status_transitions_total",
		Help: "Committed submission status transitions",
	}, []string{"from", "to"})

	payloadEdits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_payload_edits_total",
		Help: "Customer payload edits applied",
	})

	reportsAppended := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_reports_appended_total",
		Help: "Staff reports appended to submissions",
	})

	documentsStored := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_documents_stored_total",
		Help: "Documents stored by uploader role",
	}, []string{"uploader_role"})

	uploadsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_uploads_rejected_total",
		Help: "Rejected document uploads by reason",
	}, []string{"reason"})

	notificationsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_notifications_failed_total",
		Help: "Notification events dropped or undeliverable",
	}, []string{"event_type"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		requestDuration, requestTotal,
		cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		submissionsCreated, statusTransitions, payloadEdits, reportsAppended,
		documentsStored, uploadsRejected, notificationsFailed,
		goroutines,
	)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:            registry,
		handler:             handler,
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheWrite:          cacheWrite,
		cacheHitRatio:       cacheHitRatio,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		submissionsCreated:  submissionsCreated,
		statusTransitions:   statusTransitions,
		payloadEdits:        payloadEdits,
		reportsAppended:     reportsAppended,
		documentsStored:     documentsStored,
		uploadsRejected:     uploadsRejected,
		notificationsFailed: notificationsFailed,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

func (m *MetricsService) SubmissionCreated(formType string) {
	if m == nil {
		return
	}
	m.submissionsCreated.WithLabelValues(formType).Inc()
}

func (m *MetricsService) StatusTransitioned(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *MetricsService) PayloadEdited() {
	if m == nil {
		return
	}
	m.payloadEdits.Inc()
}

func (m *MetricsService) ReportAppended() {
	if m == nil {
		return
	}
	m.reportsAppended.Inc()
}

func (m *MetricsService) DocumentStored(uploaderRole string) {
	if m == nil {
		return
	}
	m.documentsStored.WithLabelValues(uploaderRole).Inc()
}

// UploadRejected counts uploads refused before a document was linked.
func (m *MetricsService) UploadRejected(reason string) {
	if m == nil {
		return
	}
	m.uploadsRejected.WithLabelValues(reason).Inc()
}

// NotificationFailed counts events that were dropped or exhausted their retries.
func (m *MetricsService) NotificationFailed(eventType string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(eventType).Inc()
}
