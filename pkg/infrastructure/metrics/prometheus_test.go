package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.IncrementCounter("cache_hits_total", "relation", "abc")
	collector.IncrementCounter("cache_hits_total", "relation", "abc")

	counter := collector.counters["cache_hits_total"]
	require.NotNil(t, counter)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter.WithLabelValues("abc")))
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.RecordHistogram("queue_wait_seconds", 0.25, "queue", "duckdb")

	histogram := collector.histograms["queue_wait_seconds"]
	require.NotNil(t, histogram)
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestPrometheusCollector_RecordGauge(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.RecordGauge("queue_depth", 3, "queue", "duckdb")
	collector.RecordGauge("queue_depth", 1, "queue", "duckdb")

	gauge := collector.gauges["queue_depth"]
	require.NotNil(t, gauge)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("duckdb")))
}

func TestPrometheusCollector_TimerRecordsHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	elapsed := collector.StartTimer("materialize").Stop()

	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.NotNil(t, collector.histograms["materialize_seconds"])
}

func TestPrometheusCollector_ConcurrentFirstUse(t *testing.T) {
	collector := NewPrometheusCollector()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("racy_total", "k", "v")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(20), testutil.ToFloat64(collector.counters["racy_total"].WithLabelValues("v")))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.IncrementCounter("relations_opened_total")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "duckdash_relations_opened_total 1"))
}

func TestParseLabelPairs(t *testing.T) {
	names, values := parseLabelPairs([]string{"a", "1", "b", "2", "dangling"})
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, []string{"1", "2"}, values)
}
