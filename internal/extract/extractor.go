// Package extract turns raw generated text into protocol-shaped output:
// verbatim content, a single canonical JSON object, or a set of tool calls.
//
// Extraction never fails. Every path that cannot produce structured output
// falls back to returning the raw text as content.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Tool-call block markers, as emitted by Hermes/Qwen-style chat templates.
const (
	CallOpen  = "<tool_call>"
	CallClose = "</tool_call>"
)

type Mode int

const (
	ModePlain Mode = iota
	ModeJSONObject
	ModeToolAware
)

func (m Mode) String() string {
	switch m {
	case ModeJSONObject:
		return "json_object"
	case ModeToolAware:
		return "tool_aware"
	default:
		return "plain"
	}
}

// Tool is one entry of the manifest offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a validated invocation. Arguments is a canonical JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Outcome classifies a single invocation block.
type Outcome int

const (
	ValidCall Outcome = iota
	MalformedIgnored
	UnknownTool
)

func (o Outcome) String() string {
	switch o {
	case ValidCall:
		return "valid"
	case UnknownTool:
		return "unknown_tool"
	default:
		return "malformed"
	}
}

// Block records what happened to one invocation block found in the text.
type Block struct {
	Index   int
	Outcome Outcome
	Name    string
}

type Result struct {
	Content   string
	ToolCalls []ToolCall

	// FinishReason is "tool_calls" when at least one call was extracted and
	// empty otherwise; the caller keeps the engine's reason in that case.
	FinishReason string

	// StructuredOK reports a successful JSON-object extraction.
	StructuredOK bool

	// Degraded is set when tool-aware mode saw blocks but none were valid.
	Degraded bool

	Blocks []Block
}

// Extract runs the extraction for mode over raw.
func Extract(raw string, manifest []Tool, mode Mode) Result {
	return ExtractSalted(raw, manifest, mode, "")
}

// ExtractSalted is Extract with salt mixed into the tool call ids. Passing
// the response id keeps an identical call in a later turn from reusing an
// earlier id.
func ExtractSalted(raw string, manifest []Tool, mode Mode, salt string) Result {
	switch mode {
	case ModeJSONObject:
		return extractObject(raw)
	case ModeToolAware:
		return extractCalls(raw, manifest, salt)
	default:
		return Result{Content: raw}
	}
}

func extractObject(raw string) Result {
	obj, ok := FirstObject(StripFences(raw))
	if !ok {
		return Result{Content: raw}
	}
	canonical, ok := Canonical(obj)
	if !ok {
		return Result{Content: raw}
	}
	return Result{Content: canonical, StructuredOK: true}
}

func extractCalls(raw string, manifest []Tool, salt string) Result {
	known := make(map[string]struct{}, len(manifest))
	for _, t := range manifest {
		known[t.Name] = struct{}{}
	}

	bodies := splitBlocks(raw)
	res := Result{Blocks: make([]Block, 0, len(bodies))}
	for i, body := range bodies {
		call, outcome := parseBlock(body, known)
		res.Blocks = append(res.Blocks, Block{Index: i, Outcome: outcome, Name: call.Name})
		if outcome != ValidCall {
			continue
		}
		call.ID = CallID(salt, i, call.Name, call.Arguments)
		res.ToolCalls = append(res.ToolCalls, call)
	}

	if len(res.ToolCalls) > 0 {
		res.FinishReason = "tool_calls"
		return res
	}
	res.Content = raw
	res.Degraded = len(bodies) > 0
	return res
}

// splitBlocks returns the bodies of all invocation blocks in text. A final
// block missing its closing marker runs to the end of the text.
func splitBlocks(text string) []string {
	var bodies []string
	for {
		start := strings.Index(text, CallOpen)
		if start < 0 {
			return bodies
		}
		text = text[start+len(CallOpen):]
		end := strings.Index(text, CallClose)
		if end < 0 {
			return append(bodies, text)
		}
		bodies = append(bodies, text[:end])
		text = text[end+len(CallClose):]
	}
}

func parseBlock(body string, known map[string]struct{}) (ToolCall, Outcome) {
	obj, ok := FirstObject(StripFences(body))
	if !ok {
		return ToolCall{}, MalformedIgnored
	}

	parsed := gjson.Parse(obj)
	name := parsed.Get("name")
	if name.Type != gjson.String || strings.TrimSpace(name.Str) == "" {
		return ToolCall{}, MalformedIgnored
	}
	call := ToolCall{Name: strings.TrimSpace(name.Str)}

	args := parsed.Get("arguments")
	if !args.Exists() {
		args = parsed.Get("parameters")
	}
	arguments, ok := normalizeArguments(args)
	if !ok {
		return call, MalformedIgnored
	}
	call.Arguments = arguments

	if _, ok := known[call.Name]; !ok {
		return call, UnknownTool
	}
	return call, ValidCall
}

// normalizeArguments accepts an object, a JSON string holding an object, or
// nothing at all (a call without arguments).
func normalizeArguments(args gjson.Result) (string, bool) {
	switch {
	case !args.Exists() || args.Type == gjson.Null:
		return "{}", true
	case args.IsObject():
		return Canonical(args.Raw)
	case args.Type == gjson.String:
		inner := strings.TrimSpace(args.Str)
		if inner == "" {
			return "{}", true
		}
		if !gjson.Valid(inner) || !gjson.Parse(inner).IsObject() {
			return "", false
		}
		return Canonical(inner)
	default:
		return "", false
	}
}

// CallID derives a stable id from the salt, the block position and the call
// contents, so extracting the same text twice yields identical ids.
func CallID(salt string, index int, name, arguments string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(arguments))
	return "call_" + hex.EncodeToString(h.Sum(nil))[:24]
}
