package handlers

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aigoflow/chat-gateway/internal/metrics"
	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/internal/services"
)

// publicPaths skip authentication and rate limiting
var publicPaths = map[string]bool{
	"/":         true,
	"/health":   true,
	"/healthz":  true,
	"/stats":    true,
	"/v1/stats": true,
	"/metrics":  true,
}

// knownRoutes bounds the route label of HTTP metrics
var knownRoutes = map[string]bool{
	"/v1/chat/completions": true,
	"/chat/completions":    true,
	"/v1/models":           true,
	"/models":              true,
	"/logs":                true,
	"/debug/prompt":        true,
}

// Guard authenticates callers, applies the rate limiter and records HTTP
// metrics in front of the mux.
type Guard struct {
	apiKey     string
	limiter    *ratelimit.Limiter
	metrics    *metrics.Collector
	trustProxy bool
	now        func() time.Time
}

func NewGuard(apiKey string, limiter *ratelimit.Limiter, m *metrics.Collector, trustProxy bool) *Guard {
	return &Guard{
		apiKey:     apiKey,
		limiter:    limiter,
		metrics:    m,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			g.metrics.ObserveHTTP(routeLabel(r.URL.Path), rec.status, time.Since(start))
		}()

		if publicPaths[r.URL.Path] {
			next.ServeHTTP(rec, r)
			return
		}

		if !g.authorized(r) {
			writeError(rec, models.NewAuthError())
			return
		}

		key := g.clientKey(r)
		decision := g.limiter.Admit(key, g.now())
		setRateLimitHeaders(rec.Header(), decision.Allowance)
		if !decision.Allowed {
			g.metrics.RateLimited("http")
			writeError(rec, models.NewRateLimitError(decision.RetryAfterSeconds()))
			return
		}

		ctx := services.WithCaller(r.Context(), services.Caller{Source: "http", ClientKey: key})
		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

func (g *Guard) authorized(r *http.Request) bool {
	if g.apiKey == "" {
		return true
	}
	supplied := r.Header.Get("X-API-Key")
	if supplied == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			supplied = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(g.apiKey)) == 1
}

// clientKey is the caller's address. Forwarding headers are only honoured
// behind a trusted proxy.
func (g *Guard) clientKey(r *http.Request) string {
	if g.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(h http.Header, a ratelimit.Allowance) {
	h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(a.MinuteLimit))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(a.MinuteRemaining))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(a.HourLimit))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(a.HourRemaining))
}

func routeLabel(path string) string {
	if knownRoutes[path] || publicPaths[path] {
		return path
	}
	return "other"
}

// statusRecorder keeps the response status for metrics. Unwrap lets
// http.ResponseController reach the underlying writer for flushing.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
