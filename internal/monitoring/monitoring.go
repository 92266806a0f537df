// Package monitoring exposes Prometheus metrics of the classification
// server.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "fruit_api"

	metricsNamePredictionLatency = "prediction_latency_seconds"
	metricsNameRequests          = "http_requests_total"
	metricsNameCacheHits         = "prediction_cache_hits_total"

	metricLabelClass = "class"
	metricLabelRoute = "route"
	metricLabelCode  = "code"
)

// MetricsMonitoring is an interface for monitoring metrics.
type MetricsMonitoring interface {
	ObservePredictionLatency(className string, latency time.Duration)
	ObserveRequest(route string, code int)
	ObserveCacheHit()
}

// MetricsMonitor holds and updates Prometheus metrics.
type MetricsMonitor struct {
	reg prometheus.Registerer

	predictionLatencyHistVec *prometheus.HistogramVec
	requestCounterVec        *prometheus.CounterVec
	cacheHitCounter          prometheus.Counter
}

// latencyBuckets are the buckets for the latencies from 5ms to 10 seconds.
var latencyBuckets = []float64{
	.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// NewMetricsMonitor returns a new MetricsMonitor whose collectors are
// registered to reg.
func NewMetricsMonitor(reg prometheus.Registerer) *MetricsMonitor {
	predictionLatencyHistVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      metricsNamePredictionLatency,
			Buckets:   latencyBuckets,
		},
		[]string{
			metricLabelClass,
		},
	)
	requestCounterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      metricsNameRequests,
		},
		[]string{
			metricLabelRoute,
			metricLabelCode,
		},
	)
	cacheHitCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      metricsNameCacheHits,
		},
	)

	m := &MetricsMonitor{
		reg:                      reg,
		predictionLatencyHistVec: predictionLatencyHistVec,
		requestCounterVec:        requestCounterVec,
		cacheHitCounter:          cacheHitCounter,
	}

	reg.MustRegister(
		predictionLatencyHistVec,
		requestCounterVec,
		cacheHitCounter,
	)

	return m
}

// ObservePredictionLatency observes the inference latency of an image
// classified as className.
func (m *MetricsMonitor) ObservePredictionLatency(className string, latency time.Duration) {
	m.predictionLatencyHistVec.WithLabelValues(className).Observe(float64(latency) / float64(time.Second))
}

// ObserveRequest counts a served request.
func (m *MetricsMonitor) ObserveRequest(route string, code int) {
	m.requestCounterVec.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ObserveCacheHit counts a prediction served from the cache.
func (m *MetricsMonitor) ObserveCacheHit() {
	m.cacheHitCounter.Inc()
}

// UnregisterAllCollectors unregisters all collectors.
func (m *MetricsMonitor) UnregisterAllCollectors() {
	m.reg.Unregister(m.predictionLatencyHistVec)
	m.reg.Unregister(m.requestCounterVec)
	m.reg.Unregister(m.cacheHitCounter)
}
