package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// collectors are the Prometheus series exported on /metrics.
type collectors struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	unassignable  prometheus.Counter
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	scans         *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	openCases     *prometheus.GaugeVec
	retryQueueLen prometheus.Gauge
}

func newCollectors() *collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &collectors{
		registry: reg,
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_submissions_total",
			Help: "Transactions submitted, by required tier",
		}, []string{"tier"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_case_transitions_total",
			Help: "Approval case state transitions",
		}, []string{"from", "to", "action"}),
		unassignable: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_unassignable_cases_total",
			Help: "Cases found with no eligible approver",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_notifications_total",
			Help: "Notification deliveries by sink and result",
		}, []string{"sink", "result"}),
		deliveryTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_notification_duration_seconds",
			Help:    "Notification delivery latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"sink"}),
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_escalation_scans_total",
			Help: "Escalation scans by result",
		}, []string{"result"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tollgate_escalation_scan_duration_seconds",
			Help:    "Escalation scan latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		openCases: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_open_cases",
			Help: "Open cases seen by the last escalation scan",
		}, []string{"state"}),
		retryQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_notification_retry_queue",
			Help: "Notifications waiting for redelivery",
		}),
	}
}

// Handler serves the Prometheus exposition for this recorder.
func (m *Recorder) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Recorder) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.prom.registry
}

// RecordHTTP records one served HTTP request.
func (m *Recorder) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.prom.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.prom.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetOpenCases publishes open case counts by state.
func (m *Recorder) SetOpenCases(byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.prom.openCases.WithLabelValues(state).Set(float64(n))
	}
}

// SetRetryQueue publishes the notification retry backlog.
func (m *Recorder) SetRetryQueue(n int) {
	if m == nil {
		return
	}
	m.prom.retryQueueLen.Set(float64(n))
}
