package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/chat-gateway/internal/config"
)

// EngineLoad reports callers waiting for the engine slot and whether it is held
type EngineLoad func() (waiting, active int64)

type MonitoringService struct {
	nats         *nats.Conn
	config       *config.Config
	engineLoad   EngineLoad
	pendingCount int64 // queue messages fetched but not yet answered
	activeCount  int64 // queue messages being served
}

type BackpressureReport struct {
	ModelName        string    `json:"model_name"`
	PendingMessages  int64     `json:"pending_messages"`
	ActiveProcessing int64     `json:"active_processing"`
	EngineWaiting    int64     `json:"engine_waiting"`
	EngineActive     int64     `json:"engine_active"`
	Timestamp        time.Time `json:"timestamp"`
	WorkerCount      int       `json:"worker_count"`
	QueueCapacity    int       `json:"queue_capacity"`
	Status           string    `json:"status"` // healthy, warning, critical
}

func NewMonitoringService(natsConn *nats.Conn, cfg *config.Config, load EngineLoad) *MonitoringService {
	if load == nil {
		load = func() (int64, int64) { return 0, 0 }
	}
	return &MonitoringService{
		nats:       natsConn,
		config:     cfg,
		engineLoad: load,
	}
}

// Start publishes backpressure reports until ctx is cancelled
func (m *MonitoringService) Start(ctx context.Context) error {
	slog.Info("Starting monitoring service",
		"topic", m.Topic(),
		"threshold", m.config.BackpressureThreshold)
	m.monitorBackpressure(ctx)
	return nil
}

func (m *MonitoringService) Topic() string {
	return fmt.Sprintf("%s.%s", m.config.MonitoringTopic, m.config.ModelName)
}

func (m *MonitoringService) monitorBackpressure(ctx context.Context) {
	// report every second under load, every ten seconds when idle
	highLoadTicker := time.NewTicker(1 * time.Second)
	lowLoadTicker := time.NewTicker(10 * time.Second)
	defer highLoadTicker.Stop()
	defer lowLoadTicker.Stop()

	currentTicker := lowLoadTicker
	for {
		select {
		case <-ctx.Done():
			return
		case <-currentTicker.C:
			report := m.Report()
			busy := report.PendingMessages+report.EngineWaiting > 0

			if busy && currentTicker == lowLoadTicker {
				currentTicker = highLoadTicker
				slog.Debug("Switched to high-frequency monitoring", "pending", report.PendingMessages, "engine_waiting", report.EngineWaiting)
			} else if !busy && currentTicker == highLoadTicker {
				currentTicker = lowLoadTicker
				slog.Debug("Switched to low-frequency monitoring")
			}

			m.publish(report)
		}
	}
}

// Report takes the current backpressure reading
func (m *MonitoringService) Report() BackpressureReport {
	pending := atomic.LoadInt64(&m.pendingCount)
	active := atomic.LoadInt64(&m.activeCount)
	waiting, engineActive := m.engineLoad()

	return BackpressureReport{
		ModelName:        m.config.ModelName,
		PendingMessages:  pending,
		ActiveProcessing: active,
		EngineWaiting:    waiting,
		EngineActive:     engineActive,
		Timestamp:        time.Now(),
		WorkerCount:      m.config.Concurrency,
		QueueCapacity:    m.config.MaxMsgs,
		Status:           m.calculateStatus(waiting + engineActive),
	}
}

func (m *MonitoringService) publish(report BackpressureReport) {
	reportData, err := json.Marshal(report)
	if err != nil {
		slog.Error("Failed to marshal backpressure report", "error", err)
		return
	}
	if err := m.nats.Publish(m.Topic(), reportData); err != nil {
		slog.Warn("Failed to publish backpressure report", "error", err)
		return
	}

	if report.EngineWaiting > 0 || report.Status != "healthy" {
		slog.Info("Backpressure report",
			"pending", report.PendingMessages,
			"engine_waiting", report.EngineWaiting,
			"engine_active", report.EngineActive,
			"status", report.Status)
	}
}

// calculateStatus grades the number of generations in or waiting for the
// engine against the configured threshold.
func (m *MonitoringService) calculateStatus(load int64) string {
	threshold := int64(m.config.BackpressureThreshold)
	switch {
	case load == 0:
		return "healthy"
	case load < threshold:
		return "warning"
	default:
		return "critical"
	}
}

// IncrementPending atomically increments pending message count
func (m *MonitoringService) IncrementPending() {
	atomic.AddInt64(&m.pendingCount, 1)
}

// DecrementPending atomically decrements pending message count
func (m *MonitoringService) DecrementPending() {
	atomic.AddInt64(&m.pendingCount, -1)
}

func (m *MonitoringService) IncrementActive() {
	atomic.AddInt64(&m.activeCount, 1)
}

func (m *MonitoringService) DecrementActive() {
	atomic.AddInt64(&m.activeCount, -1)
}
