package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logging.Logger {
	return logging.NewConsoleLogger("api-test", io.Discard, logging.ERROR)
}

func TestPrometheusMiddleware_BasicMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	gin.SetMode(gin.TestMode)
	r := gin.New()

	promMw := NewPrometheusMiddleware("test", registry, registry)
	r.Use(promMw.Handler())

	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(500, gin.H{"error": "test error"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, 200, w.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/error", nil))
	assert.Equal(t, 500, w2.Code)

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	var durationFound, errorsFound bool
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "test_http_request_duration_seconds":
			durationFound = true
			assert.Equal(t, "Длительность HTTP-запросов.", mf.GetHelp())
			assert.Len(t, mf.Metric, 2)
		case "test_http_request_errors_total":
			errorsFound = true
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, float64(1), mf.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, durationFound, "Duration metric not found")
	assert.True(t, errorsFound, "Errors metric not found")

	assert.Equal(t, float64(1), testutil.ToFloat64(promMw.reqErrors.WithLabelValues("GET", "/error", "500")))
}

func TestPrometheusMiddleware_UnmatchedPathLabel(t *testing.T) {
	registry := prometheus.NewRegistry()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	promMw := NewPrometheusMiddleware("unmatched", registry, registry)
	r.Use(promMw.Handler())

	for _, p := range []string{"/a/1", "/b/2", "/c/3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, 404, w.Code)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(promMw.reqErrors.WithLabelValues("GET", "unmatched", "404")))
}

func TestPrometheusMiddleware_ReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewPrometheusMiddleware("twice", registry, registry)
	second := NewPrometheusMiddleware("twice", registry, registry)

	second.reqInflight.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(first.reqInflight))
	second.reqInflight.Dec()
}

func TestPrometheusMiddleware_InflightRequests(t *testing.T) {
	registry := prometheus.NewRegistry()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	promMw := NewPrometheusMiddleware("inflight", registry, registry)
	r.Use(promMw.Handler())

	entered := make(chan struct{})
	release := make(chan struct{})
	r.GET("/slow", func(c *gin.Context) {
		close(entered)
		<-release
		c.JSON(200, gin.H{"ok": true})
	})

	done := make(chan struct{})
	go func() {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
		close(done)
	}()

	<-entered
	assert.Equal(t, float64(1), testutil.ToFloat64(promMw.reqInflight))
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("запрос не завершился")
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(promMw.reqInflight))
}

func TestMetricsEndpointServesGatherer(t *testing.T) {
	registry := prometheus.NewRegistry()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	promMw := NewPrometheusMiddleware("endpoint", registry, registry)
	r.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(r)

	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, 200, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "endpoint_http_request_duration_seconds"))
}

func TestRequestLogger_TraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	loggerMw := NewRequestLogger(quiet())
	r.Use(loggerMw.Handler())

	var capturedTraceID string
	r.GET("/test", func(c *gin.Context) {
		traceID, exists := c.Get("trace_id")
		require.True(t, exists, "trace_id should be set in context")
		capturedTraceID = traceID.(string)
		c.JSON(200, gin.H{"trace_id": capturedTraceID})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, 200, w.Code)
	assert.NotEmpty(t, capturedTraceID)
	assert.Equal(t, capturedTraceID, w.Header().Get("X-Trace-Id"))
	assert.Contains(t, w.Body.String(), capturedTraceID)
}

func TestMiddleware_Integration(t *testing.T) {
	registry := prometheus.NewRegistry()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRequestLogger(quiet()).Handler())
	promMw := NewPrometheusMiddleware("integration_test", registry, registry)
	r.Use(promMw.Handler())

	r.GET("/api/views", func(c *gin.Context) {
		traceID, _ := c.Get("trace_id")
		c.JSON(200, gin.H{"status": "ok", "trace_id": traceID})
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/views", nil))
		assert.Equal(t, 200, w.Code)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(promMw.reqDuration, "integration_test_http_request_duration_seconds"))
}
