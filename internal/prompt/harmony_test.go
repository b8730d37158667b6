package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/aigoflow/chat-gateway/internal/extract"
)

func fixedHarmony() *Harmony {
	h := NewHarmony()
	h.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return h
}

func TestHarmonyMatchesReferenceLayout(t *testing.T) {
	expected := `<|start|>system<|message|>You are ChatGPT, a large language model trained by OpenAI.
Knowledge cutoff: 2024-06
Current date: 2026-03-01

Reasoning: low

# Valid channels: analysis, commentary, final. Channel must be included for every message.<|end|><|start|>developer<|message|># Instructions

Answer the user's questions like a robot.<|end|><|start|>user<|message|>What is the capital of the largest country in the world?<|end|><|start|>assistant`

	conv := &Conversation{Messages: []Message{
		{Role: RoleSystem, Content: "Answer the user's questions like a robot."},
		{Role: RoleUser, Content: "What is the capital of the largest country in the world?"},
	}}

	result := fixedHarmony().Render(conv)
	if result != expected {
		t.Errorf("Format doesn't match expected layout.\nGot:\n%s\n\nExpected:\n%s", result, expected)
	}
}

func TestHarmonyWithTools(t *testing.T) {
	conv := &Conversation{
		Messages: []Message{{Role: RoleUser, Content: "Calculate 2 + 2 step by step"}},
		Tools: []extract.Tool{{
			Name:        "calculator",
			Description: "Perform mathematical calculations",
			Parameters:  []byte(`{"type":"object","properties":{"expression":{"type":"string"}}}`),
		}},
	}

	result := fixedHarmony().Render(conv)

	for _, want := range []string{
		"Calls to these tools must go to the commentary channel: 'functions'.",
		"namespace functions {",
		"// Perform mathematical calculations",
		`type calculator = (_: {"type":"object","properties":{"expression":{"type":"string"}}}) => any;`,
		"Reasoning: high",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestHarmonyRendersToolHistory(t *testing.T) {
	conv := &Conversation{
		Messages: []Message{
			{Role: RoleUser, Content: "price of AAPL?"},
			{Role: RoleAssistant, Calls: []Call{{ID: "call_1", Name: "get_price", Arguments: `{"ticker":"AAPL"}`}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: `{"price":187.2}`},
		},
		Tools: []extract.Tool{{Name: "get_price"}},
	}

	result := fixedHarmony().Render(conv)
	if !strings.Contains(result, `<|start|>assistant to=functions.get_price<|channel|>commentary json<|message|>{"ticker":"AAPL"}<|call|>`) {
		t.Errorf("assistant call not rendered:\n%s", result)
	}
	if !strings.Contains(result, `<|start|>functions.get_price to=assistant<|channel|>commentary<|message|>{"price":187.2}<|end|>`) {
		t.Errorf("tool result not rendered:\n%s", result)
	}
}

func TestChannelParsing(t *testing.T) {
	response := `<|channel|>analysis<|message|>The user is asking about math. I need to calculate 2+2.<|end|><|start|>assistant<|channel|>final<|message|>The answer is 4.<|return|>`

	parsed := ParseAssistantResponse(response)

	if analysis, exists := parsed.Channels[ChannelAnalysis]; !exists {
		t.Error("Missing analysis channel")
	} else if !strings.Contains(analysis, "calculate 2+2") {
		t.Errorf("Analysis content not extracted correctly: %q", analysis)
	}
	if parsed.FinalResponse != "The answer is 4." {
		t.Errorf("final response = %q", parsed.FinalResponse)
	}
}

func TestParseWithoutChannels(t *testing.T) {
	parsed := ParseAssistantResponse("  plain answer ")
	if parsed.FinalResponse != "plain answer" {
		t.Errorf("final response = %q", parsed.FinalResponse)
	}
}

func TestHarmonyCleanRewritesCalls(t *testing.T) {
	output := `<|channel|>analysis<|message|>Need the price.<|end|><|start|>assistant<|channel|>commentary to=functions.get_price <|constrain|>json<|message|>{"ticker":"AAPL"}<|call|>`

	cleaned := fixedHarmony().Clean(output)

	res := extract.Extract(cleaned, []extract.Tool{{Name: "get_price"}}, extract.ModeToolAware)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, cleaned text:\n%s", len(res.ToolCalls), cleaned)
	}
	if res.ToolCalls[0].Arguments != `{"ticker":"AAPL"}` {
		t.Errorf("arguments = %s", res.ToolCalls[0].Arguments)
	}
}

func TestDetermineReasoningLevel(t *testing.T) {
	tests := []struct {
		input string
		want  ReasoningLevel
	}{
		{"Explain the yield curve", ReasoningHigh},
		{"hello there", ReasoningLow},
		{"price of gold", ReasoningMedium},
	}
	for _, tt := range tests {
		if got := DetermineReasoningLevel(tt.input); got != tt.want {
			t.Errorf("DetermineReasoningLevel(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestIsGPTOSSModel(t *testing.T) {
	if !IsGPTOSSModel("openai/gpt-oss-20b") || !IsGPTOSSModel("GPT_OSS") {
		t.Error("gpt-oss ids not detected")
	}
	if IsGPTOSSModel("Qwen/Qwen3-8B") {
		t.Error("qwen detected as gpt-oss")
	}
}
