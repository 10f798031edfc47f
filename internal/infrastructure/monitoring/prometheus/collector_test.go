package prometheus

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

func newTestCollector(t *testing.T) MetricsCollector {
	t.Helper()
	cfg := CollectorConfig{
		Namespace:            "test",
		Subsystem:            "unit",
		EnableGoMetrics:      false,
		EnableProcessMetrics: false,
	}
	c, err := NewMetricsCollector(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	return c
}

func scrapeMetrics(t *testing.T, collector MetricsCollector) string {
	t.Helper()
	handler := collector.Handler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestNewMetricsCollector_EmptyNamespace(t *testing.T) {
	_, err := NewMetricsCollector(CollectorConfig{}, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestRegisterCounter_IncrementVisibleInScrape(t *testing.T) {
	c := newTestCollector(t)
	counter := c.RegisterCounter("events_total", "events", "kind")
	counter.WithLabelValues("a").Inc()
	counter.WithLabelValues("a").Add(2)

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "test_unit_events_total")
	assert.Contains(t, out, `kind="a"`)
	assert.Contains(t, out, "3")
}

func TestRegisterGauge_SetAndDec(t *testing.T) {
	c := newTestCollector(t)
	gauge := c.RegisterGauge("depth", "queue depth", "q")
	gauge.WithLabelValues("main").Set(10)
	gauge.WithLabelValues("main").Dec()

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "test_unit_depth")
	assert.Contains(t, out, "9")
}

func TestRegisterHistogram_ObservesBuckets(t *testing.T) {
	c := newTestCollector(t)
	hist := c.RegisterHistogram("latency_seconds", "latency", []float64{0.1, 1}, "op")
	hist.WithLabelValues("read").Observe(0.05)
	hist.WithLabelValues("read").Observe(0.5)

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "test_unit_latency_seconds_bucket")
	assert.Contains(t, out, "test_unit_latency_seconds_count")
}

func TestRegister_DuplicateNameReturnsFirst(t *testing.T) {
	c := newTestCollector(t)
	first := c.RegisterCounter("dup_total", "dup", "k")
	second := c.RegisterCounter("dup_total", "dup", "k")

	first.WithLabelValues("x").Inc()
	second.WithLabelValues("x").Inc()

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "2")
}

func TestRegister_ConflictDegradesToNoop(t *testing.T) {
	c := newTestCollector(t)
	// Same name as an already-registered counter but requested as a
	// gauge: registration fails, caller gets a safe no-op.
	_ = c.RegisterCounter("conflict_total", "c", "k")
	gauge := c.RegisterGauge("conflict_total", "c", "k")
	assert.NotPanics(t, func() {
		gauge.WithLabelValues("x").Set(1)
	})
}

func TestCollector_ConcurrentRegistration(t *testing.T) {
	c := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := c.RegisterCounter("race_total", "race", "k")
			v.WithLabelValues("x").Inc()
		}()
	}
	wg.Wait()

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "test_unit_race_total")
	assert.Contains(t, out, "8")
}

func TestTimer_ObserveDuration(t *testing.T) {
	c := newTestCollector(t)
	hist := c.RegisterHistogram("timed_seconds", "timed", nil, "op")
	timer := NewTimer(hist.WithLabelValues("x"))
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration()

	out := scrapeMetrics(t, c)
	assert.Contains(t, out, "test_unit_timed_seconds_count")
}

func TestTimer_NilHistogramSafe(t *testing.T) {
	timer := NewTimer(nil)
	assert.NotPanics(t, timer.ObserveDuration)
}
