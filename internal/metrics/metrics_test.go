package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	c := New()
	c.ObserveCompletion("qwen3-4b", "http", "ok", "stop", 12, 8, time.Second)
	c.ObserveCompletion("qwen3-4b", "http", "ok", "stop", 3, 2, time.Second)
	c.RateLimited("http")
	c.ToolBlock("valid")
	c.ObserveHTTP("/v1/chat/completions", 200, time.Millisecond)

	if got := testutil.ToFloat64(c.tokens.WithLabelValues("qwen3-4b", "prompt")); got != 15 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(c.completions.WithLabelValues("qwen3-4b", "http", "ok", "stop")); got != 2 {
		t.Errorf("completions = %v", got)
	}
	if got := testutil.ToFloat64(c.rateLimited.WithLabelValues("http")); got != 1 {
		t.Errorf("rate limited = %v", got)
	}
}

func TestWatchEngineAndHandler(t *testing.T) {
	c := New()
	c.WatchEngine(func() (int64, int64) { return 3, 1 })
	c.WatchLimiter(func() int { return 7 })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"gateway_engine_waiting 3", "gateway_engine_active 1", "gateway_rate_limit_keys 7"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveCompletion("m", "http", "ok", "stop", 1, 1, time.Second)
	c.RateLimited("http")
	c.WatchEngine(func() (int64, int64) { return 0, 0 })
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("code = %d", rec.Code)
	}
}
