package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func decode(t *testing.T, body string) *ChatCompletionRequest {
	t.Helper()
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &req
}

func TestMessageContentShapes(t *testing.T) {
	req := decode(t, `{"messages":[
		{"role":"user","content":"plain"},
		{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]},
		{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}
	]}`)

	if got := string(req.Messages[0].Content); got != "plain" {
		t.Errorf("string content = %q", got)
	}
	if got := string(req.Messages[1].Content); got != "a\nb" {
		t.Errorf("parts content = %q", got)
	}
	if got := string(req.Messages[2].Content); got != "" {
		t.Errorf("null content = %q", got)
	}
	if len(req.Messages[2].ToolCalls) != 1 || req.Messages[2].ToolCalls[0].Function.Name != "f" {
		t.Errorf("tool calls = %+v", req.Messages[2].ToolCalls)
	}
}

func TestMessageContentRejectsImages(t *testing.T) {
	var req ChatCompletionRequest
	err := json.Unmarshal([]byte(`{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`), &req)
	if err == nil || !strings.Contains(err.Error(), "image_url") {
		t.Fatalf("err = %v, want unsupported part type", err)
	}
}

func TestToolShapes(t *testing.T) {
	req := decode(t, `{"messages":[{"role":"user","content":"x"}],"tools":[
		{"type":"function","function":{"name":"nested","parameters":{"type":"object"}}},
		{"name":"flat","description":"d","parameters":{"type":"object"}}
	]}`)

	if len(req.Tools) != 2 {
		t.Fatalf("tools = %d", len(req.Tools))
	}
	if req.Tools[0].Function.Name != "nested" || req.Tools[0].Type != "function" {
		t.Errorf("nested = %+v", req.Tools[0])
	}
	if req.Tools[1].Function.Name != "flat" || req.Tools[1].Type != "function" || req.Tools[1].Function.Description != "d" {
		t.Errorf("flat = %+v", req.Tools[1])
	}
}

func TestToolChoiceAndStop(t *testing.T) {
	req := decode(t, `{"messages":[],"tool_choice":{"type":"function","function":{"name":"f"}},"stop":"END"}`)
	if req.ToolChoice.Mode != ToolChoiceFunction || req.ToolChoice.Function != "f" {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}

	req = decode(t, `{"messages":[],"tool_choice":"required","stop":["a","b"]}`)
	if req.ToolChoice.Mode != ToolChoiceRequired {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}
	if len(req.Stop) != 2 {
		t.Errorf("stop = %v", req.Stop)
	}

	out, _ := json.Marshal(ToolChoice{Mode: ToolChoiceFunction, Function: "f"})
	if string(out) != `{"function":{"name":"f"},"type":"function"}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestResponseMessageNullContent(t *testing.T) {
	out, err := json.Marshal(ResponseMessage{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Type: "function"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"content":null`) {
		t.Errorf("content not null: %s", out)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"ok", `{"messages":[{"role":"user","content":"hi"}]}`, ""},
		{"empty messages", `{"messages":[]}`, "messages must not be empty"},
		{"bad role", `{"messages":[{"role":"robot","content":"hi"}]}`, "unsupported role"},
		{"tool without id", `{"messages":[{"role":"tool","content":"42"}]}`, "tool_call_id"},
		{"temperature", `{"messages":[{"role":"user","content":"hi"}],"temperature":2.5}`, "temperature"},
		{"top_p", `{"messages":[{"role":"user","content":"hi"}],"top_p":-0.1}`, "top_p"},
		{"max_tokens", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":0}`, "max_tokens"},
		{"max_completion_tokens", `{"messages":[{"role":"user","content":"hi"}],"max_completion_tokens":0}`, "max_tokens"},
		{"duplicate tool", `{"messages":[{"role":"user","content":"hi"}],"tools":[{"name":"f"},{"name":"f"}]}`, "duplicate"},
		{"unnamed tool", `{"messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{}}]}`, "name is required"},
		{"undeclared choice", `{"messages":[{"role":"user","content":"hi"}],"tools":[{"name":"f"}],"tool_choice":{"type":"function","function":{"name":"g"}}}`, "undeclared"},
		{"bad choice", `{"messages":[{"role":"user","content":"hi"}],"tool_choice":"sometimes"}`, "tool_choice"},
		{"response format", `{"messages":[{"role":"user","content":"hi"}],"response_format":{"type":"xml"}}`, "response_format"},
		{"json schema ok", `{"messages":[{"role":"user","content":"hi"}],"response_format":{"type":"json_schema","json_schema":{"name":"x","schema":{"type":"object"}}}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decode(t, tt.body).Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if err.Type != ErrorTypeValidation || err.Status != 400 {
				t.Errorf("error = %+v, want 400 validation_error", err)
			}
			if !strings.Contains(err.Message, tt.wantErr) {
				t.Errorf("message = %q, want %q", err.Message, tt.wantErr)
			}
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	out, _ := json.Marshal(NewRateLimitError(12).Envelope())
	want := `{"error":{"message":"rate limit exceeded, retry later","type":"rate_limited","retry_after_seconds":12}}`
	if string(out) != want {
		t.Errorf("envelope = %s", out)
	}

	gen := AsAPIError(errTest("cuda out of memory"))
	if gen.Type != ErrorTypeGeneration || gen.Message != GenerationFailedMessage {
		t.Errorf("AsAPIError = %+v", gen)
	}
	out, _ = json.Marshal(gen.Envelope())
	if strings.Contains(string(out), "cuda") {
		t.Errorf("cause leaked into body: %s", out)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
