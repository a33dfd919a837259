// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ivd"

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	Verdicts           *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	ReviewEvents       *prometheus.CounterVec
	NotifyFailures     prometheus.Counter
}

func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_verdicts_total",
			Help:      "Engine verdicts by decision.",
		}, []string{"decision"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_evaluation_duration_seconds",
			Help:      "Time spent processing one result, store calls included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ReviewEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_events_total",
			Help:      "Review lifecycle events by type.",
		}, []string{"event"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Lifecycle events that could not be published.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.HTTPRequests, m.HTTPDuration, m.Verdicts, m.EvaluationDuration, m.ReviewEvents, m.NotifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveVerdict(decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(decision).Inc()
	m.EvaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveReview(event string) {
	if m == nil {
		return
	}
	m.ReviewEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}
