package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatCompletionRequest is the OpenAI chat completion body
type ChatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Stop                StopList        `json:"stop,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	User                string          `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// MaxOutputTokens returns max_completion_tokens, falling back to max_tokens
func (r *ChatCompletionRequest) MaxOutputTokens() *int {
	if r.MaxCompletionTokens != nil {
		return r.MaxCompletionTokens
	}
	return r.MaxTokens
}

// ToolChoiceDowngraded reports a "required" tool choice, which is served
// as "auto".
func (r *ChatCompletionRequest) ToolChoiceDowngraded() bool {
	return r.ToolChoice != nil && r.ToolChoice.Mode == ToolChoiceRequired
}

type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent accepts a string, null, or an array of text parts and
// flattens them into one string.
type MessageContent string

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent(s)
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of text parts")
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != "text" {
			return fmt.Errorf("unsupported content part type %q", p.Type)
		}
		texts = append(texts, p.Text)
	}
	*c = MessageContent(strings.Join(texts, "\n"))
	return nil
}

// Tool is a function offered to the model. Both the OpenAI shape
// {type, function:{name, description, parameters}} and the flat
// {name, description, parameters} shape are accepted.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (t *Tool) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type        string          `json:"type"`
		Function    *ToolFunction   `json:"function"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Type = aux.Type
	if t.Type == "" {
		t.Type = "function"
	}
	if aux.Function != nil {
		t.Function = *aux.Function
		return nil
	}
	t.Function = ToolFunction{Name: aux.Name, Description: aux.Description, Parameters: aux.Parameters}
	return nil
}

type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool choice modes
const (
	ToolChoiceNone     = "none"
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// ToolChoice is either a mode string or {"type":"function","function":{"name":...}}
type ToolChoice struct {
	Mode     string
	Function string
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		tc.Mode = mode
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("tool_choice must be a string or a function object")
	}
	tc.Mode = ToolChoiceFunction
	tc.Function = named.Function.Name
	return nil
}

func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Mode == ToolChoiceFunction {
		return json.Marshal(map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": tc.Function},
		})
	}
	return json.Marshal(tc.Mode)
}

// Response format types
const (
	ResponseFormatText       = "text"
	ResponseFormatJSONObject = "json_object"
	ResponseFormatJSONSchema = "json_schema"
)

type ResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

type JSONSchemaFormat struct {
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// StopList accepts a single stop string or an array
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = StopList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage carries either content or tool calls; content is null
// when tool calls are present.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// PromptPreview is the /debug/prompt reply: the exact text the engine would
// receive for a request, without generating anything.
type PromptPreview struct {
	Model        string   `json:"model"`
	Template     string   `json:"template"`
	Mode         string   `json:"mode"`
	MessageCount int      `json:"message_count"`
	Prompt       string   `json:"prompt"`
	PromptLength int      `json:"prompt_length"`
	PromptTokens int      `json:"prompt_tokens"`
	Stop         []string `json:"stop"`
}
