package prompt

import (
	"strings"
)

const (
	imStart = "<|im_start|>"
	imEnd   = "<|im_end|>"
)

// ChatML renders Qwen/Hermes-style ChatML prompts with tool signatures in
// the system turn and tool results wrapped in <tool_response> tags.
type ChatML struct{}

func (ChatML) Name() string { return TemplateChatML }

func (ChatML) Render(conv *Conversation) string {
	var prompt strings.Builder

	system := SystemText(conv)
	if len(conv.Tools) > 0 {
		if system != "" {
			system += "\n\n"
		}
		system += ToolInstructions(conv.Tools)
	}
	if system != "" {
		writeTurn(&prompt, "system", system)
	}

	msgs := conv.Messages
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			continue
		case RoleTool:
			// consecutive tool results share one user turn
			var body strings.Builder
			for ; i < len(msgs) && msgs[i].Role == RoleTool; i++ {
				if body.Len() > 0 {
					body.WriteString("\n")
				}
				body.WriteString("<tool_response>\n")
				body.WriteString(msgs[i].Content)
				body.WriteString("\n</tool_response>")
			}
			i--
			writeTurn(&prompt, "user", body.String())
		case RoleAssistant:
			content := strings.TrimSpace(m.Content)
			for _, c := range m.Calls {
				if content != "" {
					content += "\n"
				}
				content += CallBlock(c)
			}
			writeTurn(&prompt, "assistant", content)
		default:
			writeTurn(&prompt, string(m.Role), m.Content)
		}
	}

	prompt.WriteString(imStart + "assistant\n")
	return prompt.String()
}

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString(imStart)
	b.WriteString(role)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString(imEnd)
	b.WriteString("\n")
}

func (ChatML) Clean(output string) string {
	if i := strings.Index(output, imEnd); i >= 0 {
		output = output[:i]
	}
	return strings.TrimSpace(StripReasoning(output))
}

func (ChatML) Stop() []string { return []string{imEnd, "<|endoftext|>"} }

func (ChatML) Incremental() bool { return true }
