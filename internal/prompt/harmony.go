package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/aigoflow/chat-gateway/internal/extract"
)

// ReasoningLevel controls the reasoning effort of gpt-oss models
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// Channel represents output channels in Harmony format
type Channel string

const (
	ChannelAnalysis   Channel = "analysis"
	ChannelCommentary Channel = "commentary"
	ChannelFinal      Channel = "final"
)

const (
	hStart   = "<|start|>"
	hEnd     = "<|end|>"
	hMessage = "<|message|>"
	hChannel = "<|channel|>"
	hCall    = "<|call|>"
	hReturn  = "<|return|>"

	functionsPrefix = "to=functions."
)

// SystemConfig holds the fixed header of the Harmony system turn
type SystemConfig struct {
	ModelIdentity   string
	KnowledgeCutoff string
	ValidChannels   []Channel
}

// Harmony renders the gpt-oss Harmony format. Tool calls in the output are
// read from the commentary channel and rewritten as <tool_call> blocks.
type Harmony struct {
	config SystemConfig
	now    func() time.Time
}

func NewHarmony() *Harmony {
	return &Harmony{
		config: SystemConfig{
			ModelIdentity:   "You are ChatGPT, a large language model trained by OpenAI.",
			KnowledgeCutoff: "2024-06",
			ValidChannels:   []Channel{ChannelAnalysis, ChannelCommentary, ChannelFinal},
		},
		now: time.Now,
	}
}

func (h *Harmony) Name() string { return TemplateHarmony }

func (h *Harmony) Render(conv *Conversation) string {
	var prompt strings.Builder

	prompt.WriteString(hStart + "system" + hMessage)
	prompt.WriteString(h.config.ModelIdentity)
	prompt.WriteString("\nKnowledge cutoff: ")
	prompt.WriteString(h.config.KnowledgeCutoff)
	prompt.WriteString("\nCurrent date: ")
	prompt.WriteString(h.now().Format("2006-01-02"))
	prompt.WriteString("\n\nReasoning: ")
	prompt.WriteString(string(DetermineReasoningLevel(lastUserContent(conv.Messages))))

	if len(h.config.ValidChannels) > 0 {
		channels := make([]string, len(h.config.ValidChannels))
		for i, ch := range h.config.ValidChannels {
			channels[i] = string(ch)
		}
		prompt.WriteString("\n\n# Valid channels: ")
		prompt.WriteString(strings.Join(channels, ", "))
		prompt.WriteString(". Channel must be included for every message.")
	}
	if len(conv.Tools) > 0 {
		prompt.WriteString("\nCalls to these tools must go to the commentary channel: 'functions'.")
	}
	prompt.WriteString(hEnd)

	if instructions := SystemText(conv); instructions != "" || len(conv.Tools) > 0 {
		prompt.WriteString(hStart + "developer" + hMessage)
		if instructions != "" {
			prompt.WriteString("# Instructions\n\n")
			prompt.WriteString(instructions)
		}
		if len(conv.Tools) > 0 {
			if instructions != "" {
				prompt.WriteString("\n\n")
			}
			prompt.WriteString(harmonyTools(conv.Tools))
		}
		prompt.WriteString(hEnd)
	}

	msgs := conv.Messages
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			continue
		case RoleAssistant:
			if strings.TrimSpace(m.Content) != "" {
				prompt.WriteString(hStart + "assistant" + hChannel + string(ChannelFinal) + hMessage)
				prompt.WriteString(m.Content)
				prompt.WriteString(hEnd)
			}
			for _, c := range m.Calls {
				args := c.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				fmt.Fprintf(&prompt, "%sassistant %s%s%s%s json%s%s%s",
					hStart, functionsPrefix, c.Name, hChannel, ChannelCommentary, hMessage, args, hCall)
			}
		case RoleTool:
			fmt.Fprintf(&prompt, "%sfunctions.%s to=assistant%s%s%s%s%s",
				hStart, toolNameFor(msgs, i), hChannel, ChannelCommentary, hMessage, m.Content, hEnd)
		default:
			prompt.WriteString(hStart + string(m.Role) + hMessage)
			prompt.WriteString(m.Content)
			prompt.WriteString(hEnd)
		}
	}

	prompt.WriteString(hStart + "assistant")
	return prompt.String()
}

func harmonyTools(tools []extract.Tool) string {
	var b strings.Builder
	b.WriteString("# Tools\n\n## functions\n\nnamespace functions {\n\n")
	for _, t := range tools {
		if t.Description != "" {
			b.WriteString("// " + strings.ReplaceAll(t.Description, "\n", "\n// ") + "\n")
		}
		params := string(t.Parameters)
		if strings.TrimSpace(params) == "" {
			params = string(emptyParameters)
		}
		fmt.Fprintf(&b, "type %s = (_: %s) => any;\n\n", t.Name, params)
	}
	b.WriteString("} // namespace functions")
	return b.String()
}

// Clean returns tool calls as <tool_call> blocks when the model addressed a
// function, otherwise the final channel text.
func (h *Harmony) Clean(output string) string {
	if calls := ParseHarmonyCalls(output); len(calls) > 0 {
		blocks := make([]string, len(calls))
		for i, c := range calls {
			blocks[i] = CallBlock(c)
		}
		return strings.Join(blocks, "\n")
	}
	return ParseAssistantResponse(output).FinalResponse
}

func (h *Harmony) Stop() []string { return []string{hReturn, hCall} }

// Incremental is false: raw Harmony output interleaves channels.
func (h *Harmony) Incremental() bool { return false }

// AssistantResponse is a parsed Harmony completion
type AssistantResponse struct {
	FinalResponse string
	Channels      map[Channel]string
}

// ParseAssistantResponse splits a completion into its channels. Without a
// final channel the analysis channel stands in, and without either the
// whole text is used.
func ParseAssistantResponse(response string) *AssistantResponse {
	result := &AssistantResponse{Channels: make(map[Channel]string)}

	if final, ok := channelContent(response, ChannelFinal); ok {
		result.Channels[ChannelFinal] = final
		result.FinalResponse = final
	}
	if analysis, ok := channelContent(response, ChannelAnalysis); ok {
		result.Channels[ChannelAnalysis] = analysis
		if result.FinalResponse == "" {
			result.FinalResponse = analysis
		}
	}
	if result.FinalResponse == "" {
		result.FinalResponse = strings.TrimSpace(response)
	}
	return result
}

func channelContent(response string, ch Channel) (string, bool) {
	marker := hChannel + string(ch) + hMessage
	start := strings.Index(response, marker)
	if start < 0 {
		return "", false
	}
	rest := response[start+len(marker):]
	end := len(rest)
	for _, stop := range []string{hEnd, hReturn, hChannel, hStart} {
		if i := strings.Index(rest, stop); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(rest[:end]), true
}

// ParseHarmonyCalls finds every message addressed to a function, e.g.
// <|channel|>commentary to=functions.get_price <|constrain|>json<|message|>{...}<|call|>
func ParseHarmonyCalls(response string) []Call {
	var calls []Call
	for {
		i := strings.Index(response, functionsPrefix)
		if i < 0 {
			return calls
		}
		response = response[i+len(functionsPrefix):]

		nameEnd := strings.IndexAny(response, " <\n\t")
		if nameEnd < 0 {
			return calls
		}
		name := response[:nameEnd]

		msg := strings.Index(response, hMessage)
		if msg < 0 {
			return calls
		}
		response = response[msg+len(hMessage):]

		end := len(response)
		for _, stop := range []string{hCall, hEnd, hStart} {
			if j := strings.Index(response, stop); j >= 0 && j < end {
				end = j
			}
		}
		calls = append(calls, Call{Name: name, Arguments: strings.TrimSpace(response[:end])})
		response = response[end:]
	}
}

// IsGPTOSSModel checks if a model id names a gpt-oss model
func IsGPTOSSModel(model string) bool {
	model = strings.ToLower(model)
	return strings.Contains(model, "gpt-oss") || strings.Contains(model, "gpt_oss")
}

// DetermineReasoningLevel picks a reasoning level from the user's wording
func DetermineReasoningLevel(input string) ReasoningLevel {
	input = strings.ToLower(input)

	highReasoningKeywords := []string{
		"explain", "analyze", "compare", "evaluate", "detailed", "comprehensive",
		"step by step", "reasoning", "logic", "proof", "algorithm", "strategy",
		"complex", "intricate", "sophisticated", "elaborate", "thorough",
	}
	lowReasoningKeywords := []string{
		"hello", "hi", "thanks", "thank you", "yes", "no", "ok", "okay",
		"simple", "quick", "brief", "short", "what is", "who is",
	}

	for _, keyword := range highReasoningKeywords {
		if strings.Contains(input, keyword) {
			return ReasoningHigh
		}
	}
	for _, keyword := range lowReasoningKeywords {
		if strings.Contains(input, keyword) {
			return ReasoningLow
		}
	}
	return ReasoningMedium
}

func lastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
