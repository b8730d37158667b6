package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aigoflow/chat-gateway/internal/config"
	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/internal/usage"
	"github.com/aigoflow/chat-gateway/pkg/client"
)

func newQueue(t *testing.T, perMinute int) (*ChatQueue, *usage.Aggregator) {
	t.Helper()
	svc, agg := newService(&fakeEngine{text: "pong", finish: "stop"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &ChatQueue{
		chat:    svc,
		limiter: ratelimit.New(ratelimit.Config{PerMinute: perMinute, PerHour: 100}),
		now:     func() time.Time { return now },
	}, agg
}

func queued(id, clientID, body string) client.ChatQueueRequest {
	return client.ChatQueueRequest{ReqID: id, ClientID: clientID, ReplyTo: "chat.response." + clientID + "." + id, Request: json.RawMessage(body)}
}

func TestQueueHandleCompletes(t *testing.T) {
	q, agg := newQueue(t, 5)

	resp := q.handle(context.Background(), queued("r1", "agent-1", `{"messages":[{"role":"user","content":"ping"}],"stream":true}`))
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if resp.ReqID != "r1" {
		t.Errorf("req_id = %s", resp.ReqID)
	}

	var completion models.ChatCompletionResponse
	if err := json.Unmarshal(resp.Response, &completion); err != nil {
		t.Fatal(err)
	}
	if *completion.Choices[0].Message.Content != "pong" {
		t.Errorf("content = %q", *completion.Choices[0].Message.Content)
	}
	if agg.Snapshot().TotalRequests != 1 {
		t.Error("queued completion not recorded")
	}
}

func TestQueueHandleRateLimitsPerClient(t *testing.T) {
	q, _ := newQueue(t, 1)
	body := `{"messages":[{"role":"user","content":"ping"}]}`

	if resp := q.handle(context.Background(), queued("r1", "agent-1", body)); resp.Error != nil {
		t.Fatalf("first request rejected: %+v", resp.Error)
	}
	resp := q.handle(context.Background(), queued("r2", "agent-1", body))
	if resp.Error == nil || resp.Error.Type != string(models.ErrorTypeRateLimited) {
		t.Fatalf("second request = %+v", resp)
	}
	if resp.Error.RetryAfterSeconds < 1 {
		t.Errorf("retry after = %d", resp.Error.RetryAfterSeconds)
	}

	// other clients have their own windows
	if resp := q.handle(context.Background(), queued("r3", "agent-2", body)); resp.Error != nil {
		t.Errorf("other client rejected: %+v", resp.Error)
	}
	if got := q.limiter.Remaining(ClientKeyPrefix+"agent-1", q.now()).MinuteRemaining; got != 0 {
		t.Errorf("agent-1 remaining = %d", got)
	}
}

func TestQueueHandleBadBodies(t *testing.T) {
	q, _ := newQueue(t, 10)

	resp := q.handle(context.Background(), queued("r1", "a", `{"messages":"nope"}`))
	if resp.Error == nil || resp.Error.Type != string(models.ErrorTypeValidation) {
		t.Errorf("undecodable body = %+v", resp.Error)
	}

	resp = q.handle(context.Background(), queued("r2", "a", `{"messages":[]}`))
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "messages") {
		t.Errorf("empty messages = %+v", resp.Error)
	}
}

func TestMonitoringReport(t *testing.T) {
	cfg := &config.Config{ModelName: "qwen3-4b", MonitoringTopic: "monitoring.gateway", BackpressureThreshold: 3, Concurrency: 2, MaxMsgs: 100}
	waiting, active := int64(0), int64(0)
	m := NewMonitoringService(nil, cfg, func() (int64, int64) { return waiting, active })

	if m.Topic() != "monitoring.gateway.qwen3-4b" {
		t.Errorf("topic = %s", m.Topic())
	}
	if r := m.Report(); r.Status != "healthy" {
		t.Errorf("idle status = %s", r.Status)
	}

	active = 1
	m.IncrementPending()
	if r := m.Report(); r.Status != "warning" || r.PendingMessages != 1 || r.EngineActive != 1 {
		t.Errorf("report = %+v", r)
	}

	waiting = 2
	if r := m.Report(); r.Status != "critical" {
		t.Errorf("loaded status = %s", r.Status)
	}
}

func TestHealthStatus(t *testing.T) {
	cfg := &config.Config{ModelName: "qwen3-4b", Models: []string{"qwen3-4b"}, HTTPAddr: ":8080", Subject: "chat.request.qwen3-4b"}
	agg := usage.New(5)
	agg.Record(usage.Record{Model: "qwen3-4b", PromptTokens: 3, CompletionTokens: 4, FinishReason: "stop"})
	h := NewHealthService(nil, cfg, agg, func() (int64, int64) { return 1, 1 })

	st := h.Status(false)
	if st.Status != "busy" || st.EngineWaiting != 1 || st.Usage != nil {
		t.Errorf("status = %+v", st)
	}
	if n := len(st.Capabilities); n == 0 || st.Capabilities[n-1] != "reasoning" {
		t.Errorf("capabilities = %v", st.Capabilities)
	}

	st = h.Status(true)
	var snap usage.Snapshot
	if err := json.Unmarshal(st.Usage, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalTokens != 7 {
		t.Errorf("heartbeat usage = %+v", snap)
	}
	if HealthTopic("m") != "gateway.m.health" || HeartbeatTopic("m") != "monitoring.gateway.heartbeat.m" {
		t.Error("topics changed")
	}
}
