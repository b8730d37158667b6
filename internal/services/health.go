package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/chat-gateway/internal/capabilities"
	"github.com/aigoflow/chat-gateway/internal/config"
	"github.com/aigoflow/chat-gateway/internal/usage"
	"github.com/aigoflow/chat-gateway/pkg/client"
)

const (
	Version           = "1.0.0"
	HeartbeatInterval = 30 * time.Second
)

type HealthService struct {
	nats         *nats.Conn
	config       *config.Config
	usage        *usage.Aggregator
	engineLoad   EngineLoad
	capabilities []string
}

func NewHealthService(natsConn *nats.Conn, cfg *config.Config, agg *usage.Aggregator, load EngineLoad) *HealthService {
	if load == nil {
		load = func() (int64, int64) { return 0, 0 }
	}
	caps := capabilities.Detect(capabilities.Profile{Models: cfg.Models, Template: cfg.PromptTemplate})
	return &HealthService{
		nats:         natsConn,
		config:       cfg,
		usage:        agg,
		engineLoad:   load,
		capabilities: capabilities.Strings(caps),
	}
}

func HealthTopic(model string) string {
	return fmt.Sprintf("gateway.%s.health", model)
}

func HeartbeatTopic(model string) string {
	return fmt.Sprintf("monitoring.gateway.heartbeat.%s", model)
}

// Start answers health requests and publishes heartbeats until ctx is cancelled
func (h *HealthService) Start(ctx context.Context) error {
	healthTopic := HealthTopic(h.config.ModelName)

	sub, err := h.nats.Subscribe(healthTopic, func(msg *nats.Msg) {
		statusData, err := json.Marshal(h.Status(false))
		if err != nil {
			slog.Error("Failed to marshal health status", "error", err)
			return
		}
		if err := msg.Respond(statusData); err != nil {
			slog.Error("Failed to respond to health check", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to health topic: %w", err)
	}
	defer sub.Unsubscribe()

	slog.Info("Health service started", "topic", healthTopic, "heartbeat", HeartbeatTopic(h.config.ModelName))
	h.publishHeartbeats(ctx)
	return nil
}

func (h *HealthService) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	heartbeatTopic := HeartbeatTopic(h.config.ModelName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statusData, err := json.Marshal(h.Status(true))
			if err != nil {
				continue
			}
			if err := h.nats.Publish(heartbeatTopic, statusData); err != nil {
				slog.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

// Status describes the gateway; withUsage attaches the usage snapshot
func (h *HealthService) Status(withUsage bool) client.HealthStatus {
	waiting, active := h.engineLoad()
	status := "online"
	if waiting > 0 {
		status = "busy"
	}

	hs := client.HealthStatus{
		ModelName:     h.config.ModelName,
		Status:        status,
		LastActivity:  time.Now(),
		Capabilities:  h.capabilities,
		Models:        h.config.Models,
		Endpoint:      fmt.Sprintf("http://localhost%s", h.config.HTTPAddr),
		NATSTopic:     h.config.Subject,
		Version:       Version,
		EngineWaiting: waiting,
		EngineActive:  active,
	}
	if withUsage && h.usage != nil {
		if data, err := json.Marshal(h.usage.Snapshot()); err == nil {
			hs.Usage = data
		}
	}
	return hs
}
