package handlers

import (
	"net/http"
	"strconv"

	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/internal/repository"
	"github.com/aigoflow/chat-gateway/internal/services"
	"github.com/aigoflow/chat-gateway/internal/usage"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// StatsHandler serves usage statistics, health and the audit log
type StatsHandler struct {
	usage      *usage.Aggregator
	limiter    *ratelimit.Limiter
	repo       repository.Repository
	engineLoad services.EngineLoad
}

func NewStatsHandler(agg *usage.Aggregator, limiter *ratelimit.Limiter, repo repository.Repository, load services.EngineLoad) *StatsHandler {
	if load == nil {
		load = func() (int64, int64) { return 0, 0 }
	}
	return &StatsHandler{usage: agg, limiter: limiter, repo: repo, engineLoad: load}
}

func (h *StatsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/v1/stats", h.handleStats)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/logs", h.handleLogs)
	mux.HandleFunc("/", h.handleRoot)
}

type rateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

type engineLoad struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
}

type statsResponse struct {
	usage.Snapshot
	RateLimits rateLimits `json:"rate_limits"`
	Engine     engineLoad `json:"engine"`
}

func (h *StatsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, models.NewMethodError(r.Method, r.URL.Path))
		return
	}
	limits := h.limiter.Limits()
	waiting, active := h.engineLoad()
	writeJSON(w, http.StatusOK, statsResponse{
		Snapshot:   h.usage.Snapshot(),
		RateLimits: rateLimits{PerMinute: limits.PerMinute, PerHour: limits.PerHour},
		Engine:     engineLoad{Waiting: waiting, Active: active},
	})
}

func (h *StatsHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *StatsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	waiting, active := h.engineLoad()
	status := "online"
	if waiting > 0 {
		status = "busy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": services.Version,
		"engine":  engineLoad{Waiting: waiting, Active: active},
	})
}

func (h *StatsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, models.NewMethodError(r.Method, r.URL.Path))
		return
	}

	limit := defaultLogLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, models.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs := []*models.RequestLog{}
	if h.repo != nil {
		var err error
		if logs, err = h.repo.Request().GetRequestLogs(r.Context(), limit); err != nil {
			writeError(w, models.NewGenerationError(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *StatsHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, models.NewNotFoundError(r.URL.Path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "chat-gateway",
		"version": services.Version,
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"GET /v1/stats",
			"GET /health",
			"GET /metrics",
			"GET /logs",
		},
	})
}
