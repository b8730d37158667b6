// Package prompt renders chat conversations into the text prompt shape a
// completion engine expects, and cleans engine output back into plain text
// the extractor can work with.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aigoflow/chat-gateway/internal/extract"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Call is a tool call made by the assistant earlier in the conversation.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

type Message struct {
	Role       Role
	Content    string
	Calls      []Call
	ToolCallID string
	Name       string
}

// Conversation is everything a template needs to render one prompt.
type Conversation struct {
	Messages []Message
	Tools    []extract.Tool

	// DefaultSystem is used when the conversation carries no system message.
	DefaultSystem string
	// LanguagePrompts maps a detected user language to the system prompt used
	// in place of DefaultSystem.
	LanguagePrompts map[string]string

	// JSONObject asks the model for a single JSON object, optionally shaped
	// by Schema.
	JSONObject bool
	Schema     json.RawMessage
}

// Template renders prompts for one model family.
type Template interface {
	Name() string
	Render(conv *Conversation) string
	// Clean turns raw generated text into text ready for extraction.
	Clean(output string) string
	// Stop lists sequences the engine should stop generation at.
	Stop() []string
	// Incremental reports whether raw fragments can be forwarded to a client
	// as they are generated.
	Incremental() bool
}

const (
	TemplateAuto    = "auto"
	TemplateChatML  = "chatml"
	TemplateHarmony = "harmony"
	TemplatePlain   = "plain"
)

// Registry holds the available templates by name.
type Registry struct {
	templates map[string]Template
}

func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	r.Register(ChatML{})
	r.Register(NewHarmony())
	r.Register(Plain{})
	return r
}

func (r *Registry) Register(t Template) {
	r.templates[t.Name()] = t
}

func (r *Registry) Get(name string) (Template, error) {
	if t, ok := r.templates[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("template '%s' not found", name)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves the configured template name for a model id. "auto"
// picks Harmony for gpt-oss models and ChatML for everything else.
func (r *Registry) Select(setting, modelID string) Template {
	name := setting
	if name == "" || name == TemplateAuto {
		name = TemplateChatML
		if IsGPTOSSModel(modelID) {
			name = TemplateHarmony
		}
	}
	t, err := r.Get(name)
	if err != nil {
		slog.Warn("Unknown prompt template, falling back to plain",
			"template", name,
			"available", r.Names())
		t, _ = r.Get(TemplatePlain)
	}
	return t
}

// SystemText merges every system message into one block, falling back to
// the prompt for the detected user language and then the default system
// prompt, then appends the JSON directive if requested.
func SystemText(conv *Conversation) string {
	var parts []string
	for _, m := range conv.Messages {
		if (m.Role == RoleSystem || m.Role == RoleDeveloper) && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	if len(parts) == 0 {
		if fallback := fallbackSystem(conv); fallback != "" {
			parts = append(parts, fallback)
		}
	}
	if conv.JSONObject {
		parts = append(parts, JSONDirective(conv.Schema))
	}
	return strings.Join(parts, "\n\n")
}

func fallbackSystem(conv *Conversation) string {
	if len(conv.LanguagePrompts) > 0 {
		if lang := DetectLanguage(conv.Messages); lang != "" && conv.LanguagePrompts[lang] != "" {
			return conv.LanguagePrompts[lang]
		}
	}
	return conv.DefaultSystem
}

// JSONDirective is the instruction injected when a JSON object is required.
func JSONDirective(schema json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Respond with a single valid JSON object and nothing else. ")
	b.WriteString("Do not wrap it in markdown code fences and do not add any explanation.")
	if len(schema) > 0 && string(schema) != "null" {
		b.WriteString("\nThe object must conform to this JSON schema:\n")
		b.Write(schema)
	}
	return b.String()
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

// ToolSignatures renders one JSON function signature per line.
func ToolSignatures(tools []extract.Tool) string {
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 || !json.Valid(params) {
			params = emptyParameters
		}
		spec := toolSpec{Type: "function", Function: toolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}}
		data, err := json.Marshal(spec)
		if err != nil {
			slog.Warn("Skipping tool with unencodable schema", "tool", t.Name, "error", err)
			continue
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n")
}

// ToolInstructions is the tool section shared by the text-based templates.
func ToolInstructions(tools []extract.Tool) string {
	var b strings.Builder
	b.WriteString("# Tools\n\n")
	b.WriteString("You may call one or more functions to assist with the user query.\n\n")
	b.WriteString("You are provided with function signatures within <tools></tools> XML tags:\n<tools>\n")
	b.WriteString(ToolSignatures(tools))
	b.WriteString("\n</tools>\n\n")
	b.WriteString("For each function call, return a json object with function name and arguments within ")
	b.WriteString(extract.CallOpen + extract.CallClose + " XML tags:\n")
	b.WriteString(extract.CallOpen + "\n{\"name\": <function-name>, \"arguments\": <args-json-object>}\n" + extract.CallClose)
	return b.String()
}

// CallBlock renders an earlier assistant call the way the model is asked to
// emit it.
func CallBlock(c Call) string {
	args := c.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return fmt.Sprintf("%s\n{\"name\": %q, \"arguments\": %s}\n%s", extract.CallOpen, c.Name, args, extract.CallClose)
}

// StripReasoning removes <think>...</think> sections. A closing tag with no
// opening tag drops everything before it, since some chat templates open the
// reasoning block inside the prompt. An unterminated block is dropped to the
// end of the text.
func StripReasoning(text string) string {
	const openTag, closeTag = "<think>", "</think>"
	if !strings.Contains(text, openTag) && !strings.Contains(text, closeTag) {
		return text
	}

	if first := strings.Index(text, closeTag); first >= 0 {
		if o := strings.Index(text, openTag); o < 0 || o > first {
			text = text[first+len(closeTag):]
		}
	}

	var b strings.Builder
	for {
		start := strings.Index(text, openTag)
		if start < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:start])
		rest := text[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			break
		}
		text = rest[end+len(closeTag):]
	}
	return strings.TrimSpace(b.String())
}

// toolNameFor finds the name of the call a tool message answers.
func toolNameFor(msgs []Message, i int) string {
	if msgs[i].Name != "" {
		return msgs[i].Name
	}
	for j := i - 1; j >= 0; j-- {
		for _, c := range msgs[j].Calls {
			if c.ID == msgs[i].ToolCallID {
				return c.Name
			}
		}
	}
	return ""
}
