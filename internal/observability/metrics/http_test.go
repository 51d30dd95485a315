package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry)
	if err != nil {
		t.Fatalf("new http metrics: %v", err)
	}

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/health", http.MethodGet, "2xx")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}

	again, err := newHTTPMetrics(registry)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.requests != m.requests {
		t.Fatalf("expected registered collector to be reused")
	}
}
