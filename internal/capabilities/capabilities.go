// Package capabilities derives what a gateway advertises in health replies
// and heartbeats from the models and prompt template it serves.
package capabilities

import (
	"log/slog"
	"strings"

	"github.com/aigoflow/chat-gateway/internal/prompt"
)

type CapabilityType string

const (
	CapabilityChatCompletions CapabilityType = "chat-completions"
	CapabilityStreaming       CapabilityType = "streaming"
	CapabilityToolCalling     CapabilityType = "tool-calling"
	CapabilityJSONObject      CapabilityType = "json-object"
	CapabilityReasoning       CapabilityType = "reasoning"
	CapabilityHarmony         CapabilityType = "harmony-format"
)

// Profile is the part of the gateway configuration capabilities depend on
type Profile struct {
	Models   []string
	Template string
}

// reasoningFamilies emit think blocks or an analysis channel
var reasoningFamilies = []string{"qwen3", "deepseek-r1", "qwq", "gpt-oss", "gpt_oss"}

// Detect lists the capabilities of p. Chat completions, streaming, tool
// calling and JSON mode are always served since the gateway builds them on
// top of plain text generation.
func Detect(p Profile) []CapabilityType {
	caps := []CapabilityType{
		CapabilityChatCompletions,
		CapabilityStreaming,
		CapabilityToolCalling,
		CapabilityJSONObject,
	}

	var reasoning, harmony bool
	for _, m := range p.Models {
		lower := strings.ToLower(m)
		for _, family := range reasoningFamilies {
			if strings.Contains(lower, family) {
				reasoning = true
			}
		}
		if usesHarmony(p.Template, m) {
			harmony = true
		}
	}
	if reasoning {
		caps = append(caps, CapabilityReasoning)
	}
	if harmony {
		caps = append(caps, CapabilityHarmony)
	}

	slog.Debug("Capability detection completed", "models", p.Models, "template", p.Template, "total_capabilities", len(caps))
	return caps
}

func usesHarmony(template, model string) bool {
	switch template {
	case prompt.TemplateHarmony:
		return true
	case "", prompt.TemplateAuto:
		return prompt.IsGPTOSSModel(model)
	}
	return false
}

func Strings(caps []CapabilityType) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// Has reports whether caps contains c
func Has(caps []CapabilityType, c CapabilityType) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
