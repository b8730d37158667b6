package prompt

import (
	"strings"
)

// Plain is the role-prefixed fallback for models without a chat template.
type Plain struct{}

func (Plain) Name() string { return TemplatePlain }

func (Plain) Render(conv *Conversation) string {
	var prompt strings.Builder

	system := SystemText(conv)
	if len(conv.Tools) > 0 {
		if system != "" {
			system += "\n\n"
		}
		system += ToolInstructions(conv.Tools)
	}
	if system != "" {
		prompt.WriteString("System: " + system + "\n")
	}

	for _, m := range conv.Messages {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			continue
		case RoleUser:
			prompt.WriteString("User: " + m.Content + "\n")
		case RoleTool:
			prompt.WriteString("Tool: " + m.Content + "\n")
		case RoleAssistant:
			content := m.Content
			for _, c := range m.Calls {
				content += "\n" + CallBlock(c)
			}
			prompt.WriteString("Assistant: " + strings.TrimSpace(content) + "\n")
		}
	}

	prompt.WriteString("Assistant: ")
	return prompt.String()
}

// Clean cuts the output where the model starts writing the next user turn.
func (Plain) Clean(output string) string {
	if i := strings.Index(output, "\nUser:"); i >= 0 {
		output = output[:i]
	}
	return strings.TrimSpace(StripReasoning(output))
}

func (Plain) Stop() []string { return []string{"\nUser:"} }

func (Plain) Incremental() bool { return true }
