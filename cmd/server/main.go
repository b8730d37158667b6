package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/aigoflow/chat-gateway/internal/config"
	"github.com/aigoflow/chat-gateway/internal/engine"
	"github.com/aigoflow/chat-gateway/internal/metrics"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/internal/repository"
	"github.com/aigoflow/chat-gateway/internal/services"
	"github.com/aigoflow/chat-gateway/internal/store"
	"github.com/aigoflow/chat-gateway/internal/usage"
	"github.com/aigoflow/chat-gateway/pkg/client"
	"github.com/aigoflow/chat-gateway/pkg/server"
)

func main() {
	var (
		envFile    = flag.String("env", "", "Optional .env file to load")
		configFile = flag.String("config", "", "Optional YAML config overlay")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile, *configFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Initialize database
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := repository.NewSQLiteRepository(db)
	events := repo.Event()
	bg := context.Background()

	events.LogEvent(bg, "info", "startup", "Gateway starting", map[string]interface{}{
		"models":    cfg.Models,
		"http_addr": cfg.HTTPAddr,
		"backend":   cfg.EngineBackend,
		"db_path":   cfg.DBPath,
	})

	var nc *nats.Conn
	if cfg.NatsEnabled {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("chat-gateway-"+cfg.ModelName))
		if err != nil {
			events.LogEvent(bg, "error", "nats.failed", "NATS connection failed", map[string]interface{}{
				"nats_url": cfg.NatsURL,
				"error":    err.Error(),
			})
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
	}

	var eng engine.Engine
	switch cfg.EngineBackend {
	case config.BackendOpenAI:
		eng = engine.NewOpenAIEngine(cfg.EngineURL, cfg.EngineAPIKey, cfg.EngineModel)
	default:
		eng = engine.NewNATSEngine(client.NewNATSClientFromConn(nc, "chat-gateway"), cfg.EngineModel)
	}
	gate := engine.NewGate(eng, cfg.QueueTimeout, cfg.GenerationTimeout)

	agg := usage.New(cfg.StatsRecentCapacity)
	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
	})

	m := metrics.New()
	m.WatchEngine(gate.Load)
	m.WatchLimiter(limiter.Keys)
	m.WatchDB(db.DB, "gateway")

	chat := services.NewChatService(gate, agg, repo, m, services.ChatConfig{
		Template:        cfg.PromptTemplate,
		DefaultSystem:   cfg.DefaultSystemPrompt,
		DefaultModel:    cfg.ModelName,
		Models:          cfg.Models,
		StrictModelID:   cfg.StrictModelID,
		Temperature:     cfg.DefaultTemperature,
		TopP:            cfg.DefaultTopP,
		MaxTokens:       cfg.DefaultMaxTokens,
		LanguagePrompts: cfg.LanguageSystemPrompts,
		CharsPerToken:   cfg.CharsPerToken,
	})

	httpServer := server.NewServer(cfg.HTTPAddr, server.Deps{
		Chat:              chat,
		Limiter:           limiter,
		Repo:              repo,
		Metrics:           m,
		EngineLoad:        gate.Load,
		APIKey:            cfg.APIKey,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	ctx, stop := signal.NotifyContext(bg, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(ctx) })
	g.Go(func() error { return limiter.Run(ctx, cfg.RateLimitSweep) })

	if nc != nil {
		monitoring := services.NewMonitoringService(nc, cfg, gate.Load)
		queue, err := services.NewChatQueue(nc, cfg, chat, limiter, monitoring)
		if err != nil {
			events.LogEvent(bg, "error", "queue.failed", "Chat queue initialization failed", map[string]interface{}{
				"stream": cfg.Stream,
				"error":  err.Error(),
			})
			slog.Error("Failed to create chat queue", "error", err)
			os.Exit(1)
		}
		health := services.NewHealthService(nc, cfg, agg, gate.Load)

		g.Go(func() error { return queue.Start(ctx) })
		g.Go(func() error { return monitoring.Start(ctx) })
		g.Go(func() error { return health.Start(ctx) })
	}

	events.LogEvent(bg, "info", "server.ready", "Gateway ready to accept requests", map[string]interface{}{
		"http_addr":  cfg.HTTPAddr,
		"engine":     gate.Name(),
		"nats":       cfg.NatsEnabled,
		"rate_limit": cfg.RateLimitPerMinute,
	})
	slog.Info("Gateway ready", "addr", cfg.HTTPAddr, "engine", gate.Name(), "models", cfg.Models)

	if err := g.Wait(); err != nil {
		events.LogEvent(bg, "error", "server.failed", "Gateway stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
		slog.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}

	events.LogEvent(bg, "info", "shutdown", "Gateway stopped", nil)
	slog.Info("Gateway stopped")
}
