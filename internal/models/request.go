package models

import "time"

// RequestLog is one audited chat completion
type RequestLog struct {
	Timestamp        time.Time `json:"ts"`
	ReqID            string    `json:"req_id"`
	Source           string    `json:"source"`
	ClientKey        string    `json:"client_key"`
	Model            string    `json:"model"`
	Template         string    `json:"template"`
	Mode             string    `json:"mode"`
	Stream           bool      `json:"stream"`
	FormattedPrompt  string    `json:"formatted_prompt"`
	ResponseText     string    `json:"response_text"`
	FinishReason     string    `json:"finish_reason"`
	ToolCalls        int       `json:"tool_calls"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMs       float64   `json:"dur_ms"`
	Status           string    `json:"status"`
	Error            string    `json:"error"`
}

// Audit statuses
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)
