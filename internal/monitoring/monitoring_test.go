package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMonitor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsMonitor(reg)

	m.ObserveRequest("/analyze", 200)
	m.ObserveRequest("/analyze", 200)
	m.ObserveRequest("/analyze", 429)
	m.ObservePredictionLatency("apple", 30*time.Millisecond)
	m.ObserveCacheHit()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestCounterVec.WithLabelValues("/analyze", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCounterVec.WithLabelValues("/analyze", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHitCounter))

	n, err := testutil.GatherAndCount(reg, "fruit_api_prediction_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m.UnregisterAllCollectors()
	// Registering again succeeds once the collectors are gone.
	m = NewMetricsMonitor(reg)
	m.UnregisterAllCollectors()
}
