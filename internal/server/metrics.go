package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *httpMetrics
)

func getMetrics() *httpMetrics {
	metricsOnce.Do(func() {
		metrics = &httpMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chunkvault_http_requests_total",
				Help: "HTTP requests by method and status",
			}, []string{"method", "status"}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "chunkvault_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return metrics
}
