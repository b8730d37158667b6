package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/chat-gateway/internal/services"
	"github.com/aigoflow/chat-gateway/internal/usage"
	"github.com/aigoflow/chat-gateway/pkg/client"
)

const staleAfter = 2 * services.HeartbeatInterval

// GatewayStatus is everything the monitor knows about one gateway
type GatewayStatus struct {
	client.HealthStatus
	Usage        *usage.Snapshot              `json:"usage,omitempty"`
	Backpressure *services.BackpressureReport `json:"backpressure,omitempty"`
	FirstSeen    time.Time                    `json:"first_seen"`
	LastSeen     time.Time                    `json:"last_seen"`
	RTT          time.Duration                `json:"rtt,omitempty"`
}

type Monitor struct {
	nats      *nats.Conn
	health    *client.NATSClient
	mu        sync.RWMutex
	gateways  map[string]*GatewayStatus
	listeners []chan struct{}
}

func NewMonitor(natsURL string) (*Monitor, error) {
	nc, err := nats.Connect(natsURL, nats.Name("chat-gateway-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Monitor{
		nats:     nc,
		health:   client.NewNATSClientFromConn(nc, "gateway-monitor"),
		gateways: make(map[string]*GatewayStatus),
	}, nil
}

func (m *Monitor) Start(ctx context.Context, models []string) error {
	if _, err := m.nats.Subscribe(services.HeartbeatTopic("*"), m.onHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	// monitoring.gateway.<model>; heartbeats share the prefix but have an extra token
	if _, err := m.nats.Subscribe("monitoring.gateway.*", m.onBackpressure); err != nil {
		return fmt.Errorf("failed to subscribe to backpressure reports: %w", err)
	}
	slog.Info("Monitor started, listening for gateway heartbeats")

	go m.markStale(ctx)
	go m.Discover(ctx, models)
	return nil
}

func (m *Monitor) onHeartbeat(msg *nats.Msg) {
	var hs client.HealthStatus
	if err := json.Unmarshal(msg.Data, &hs); err != nil {
		slog.Warn("Failed to parse heartbeat", "subject", msg.Subject, "error", err)
		return
	}
	var snap *usage.Snapshot
	if len(hs.Usage) > 0 {
		snap = &usage.Snapshot{}
		if err := json.Unmarshal(hs.Usage, snap); err != nil {
			snap = nil
		}
	}

	m.mu.Lock()
	gw := m.gateway(hs.ModelName)
	gw.HealthStatus = hs
	if snap != nil {
		gw.Usage = snap
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Monitor) onBackpressure(msg *nats.Msg) {
	var report services.BackpressureReport
	if err := json.Unmarshal(msg.Data, &report); err != nil || report.ModelName == "" {
		return
	}
	m.mu.Lock()
	gw := m.gateway(report.ModelName)
	gw.Backpressure = &report
	m.mu.Unlock()
	m.notify()
}

// gateway returns the entry for model, creating it. Callers hold mu.
func (m *Monitor) gateway(model string) *GatewayStatus {
	now := time.Now()
	gw, ok := m.gateways[model]
	if !ok {
		gw = &GatewayStatus{FirstSeen: now}
		gw.ModelName = model
		m.gateways[model] = gw
	}
	gw.LastSeen = now
	return gw
}

func (m *Monitor) markStale(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for name, gw := range m.gateways {
				if time.Since(gw.LastSeen) > staleAfter && gw.Status != "offline" {
					gw.Status = "offline"
					slog.Info("Gateway marked offline", "model", name)
				}
			}
			m.mu.Unlock()
			m.notify()
		}
	}
}

// Discover asks each model's gateway for its health instead of waiting for
// the next heartbeat.
func (m *Monitor) Discover(ctx context.Context, models []string) {
	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			start := time.Now()
			hs, err := m.health.CheckHealth(ctx, services.HealthTopic(model))
			if err != nil {
				slog.Debug("Health check failed", "model", model, "error", err)
				return
			}
			m.mu.Lock()
			gw := m.gateway(model)
			gw.HealthStatus = *hs
			gw.RTT = time.Since(start)
			m.mu.Unlock()
			m.notify()
		}(model)
	}
	wg.Wait()
}

func (m *Monitor) Gateways() []GatewayStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]GatewayStatus, 0, len(m.gateways))
	for _, gw := range m.gateways {
		out = append(out, *gw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

func (m *Monitor) Subscribe() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Monitor) notify() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) Close() {
	m.nats.Close()
}

func main() {
	var (
		natsURL  = flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
		httpAddr = flag.String("http", "", "Serve gateway status as JSON on this address")
		models   = flag.String("models", "", "Comma separated model ids to probe on startup")
		onceMode = flag.Bool("once", false, "Probe, print and exit")
	)
	flag.Parse()

	monitor, err := NewMonitor(*natsURL)
	if err != nil {
		slog.Error("Failed to create monitor", "error", err)
		os.Exit(1)
	}
	defer monitor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var probe []string
	for _, m := range strings.Split(*models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			probe = append(probe, m)
		}
	}

	if *onceMode {
		monitor.Discover(ctx, probe)
		printGateways(monitor.Gateways())
		return
	}

	if err := monitor.Start(ctx, probe); err != nil {
		slog.Error("Failed to start monitor", "error", err)
		os.Exit(1)
	}

	if *httpAddr != "" {
		runHTTPServer(ctx, monitor, *httpAddr)
		return
	}
	runDashboard(ctx, monitor)
}

func printGateways(gateways []GatewayStatus) {
	if len(gateways) == 0 {
		fmt.Println("No chat gateways found")
		return
	}
	for _, gw := range gateways {
		fmt.Printf("%s (%s)\n", gw.ModelName, gw.Status)
		fmt.Printf("   Models: %s\n", strings.Join(gw.Models, ", "))
		fmt.Printf("   Endpoint: %s  NATS: %s\n", gw.Endpoint, gw.NATSTopic)
		fmt.Printf("   Engine: %d waiting, %d active\n", gw.EngineWaiting, gw.EngineActive)
		if gw.RTT > 0 {
			fmt.Printf("   Response Time: %v\n", gw.RTT)
		}
		fmt.Println()
	}
}

func runDashboard(ctx context.Context, monitor *Monitor) {
	fmt.Print("\033[2J\033[H\033[?25l")
	defer fmt.Print("\033[?25h")

	updates := monitor.Subscribe()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-updates:
		}
		render(monitor.Gateways())
	}
}

func render(gateways []GatewayStatus) {
	fmt.Print("\033[2J\033[H")
	fmt.Printf("Chat Gateway Monitor - %s\n\n", time.Now().Format("15:04:05"))

	if len(gateways) == 0 {
		fmt.Printf("Waiting for heartbeats on %s ...\n", services.HeartbeatTopic("*"))
		return
	}

	row := "%-16s %-8s %-10s %-9s %-10s %-12s %-8s\n"
	fmt.Printf(row, "MODEL", "STATUS", "PRESSURE", "ENGINE", "REQUESTS", "TOKENS", "SEEN")
	for _, gw := range gateways {
		pressure := "-"
		if gw.Backpressure != nil {
			pressure = gw.Backpressure.Status
		}
		requests, tokens := "-", "-"
		if gw.Usage != nil {
			requests = fmt.Sprint(gw.Usage.TotalRequests)
			tokens = fmt.Sprint(gw.Usage.TotalTokens)
		}
		fmt.Printf(row,
			gw.ModelName,
			gw.Status,
			pressure,
			fmt.Sprintf("%d/%d", gw.EngineWaiting, gw.EngineActive),
			requests,
			tokens,
			formatDuration(time.Since(gw.LastSeen)))
	}
	fmt.Printf("\nPress Ctrl+C to exit\n")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func runHTTPServer(ctx context.Context, monitor *Monitor, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/gateways", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(monitor.Gateways())
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("Monitor HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("Monitor HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
