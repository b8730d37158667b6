package client

import (
	"encoding/json"
	"time"
)

// InferenceRequest is the aigoflow inference-worker request. The gateway
// always sends fully rendered prompts, so Raw is set.
type InferenceRequest struct {
	ReqID   string                 `json:"req_id"`
	Input   string                 `json:"input"`
	Params  map[string]interface{} `json:"params"`
	Raw     bool                   `json:"raw,omitempty"`
	ReplyTo string                 `json:"reply_to,omitempty"`
}

// InferenceResponse represents a response from an inference worker
type InferenceResponse struct {
	ReqID        string `json:"req_id"`
	Text         string `json:"text"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	FinishReason string `json:"finish_reason"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// ChatQueueRequest carries one chat completion request through the gateway
// work queue. Request is an OpenAI-shaped chat completion body.
type ChatQueueRequest struct {
	ReqID    string          `json:"req_id"`
	ClientID string          `json:"client_id"`
	ReplyTo  string          `json:"reply_to"`
	Request  json.RawMessage `json:"request"`
}

// ChatQueueResponse holds either the completion body or an error envelope.
type ChatQueueResponse struct {
	ReqID    string          `json:"req_id"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// HealthStatus is a gateway health reply or heartbeat. Usage holds the
// gateway's usage snapshot on heartbeats.
type HealthStatus struct {
	ModelName     string          `json:"model_name"`
	Status        string          `json:"status"` // online, busy
	LastActivity  time.Time       `json:"last_activity"`
	Capabilities  []string        `json:"capabilities"`
	Models        []string        `json:"models,omitempty"`
	Endpoint      string          `json:"endpoint"`
	NATSTopic     string          `json:"nats_topic"`
	Version       string          `json:"version"`
	EngineWaiting int64           `json:"engine_waiting"`
	EngineActive  int64           `json:"engine_active"`
	Usage         json.RawMessage `json:"usage,omitempty"`
}
