package models

// Validate checks the request shape. Model id policy is left to the caller.
func (r *ChatCompletionRequest) Validate() *APIError {
	if len(r.Messages) == 0 {
		return NewValidationError("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "developer", "user", "assistant":
		case "tool":
			if m.ToolCallID == "" && m.Name == "" {
				return NewValidationError("messages[%d]: tool message requires tool_call_id", i)
			}
		default:
			return NewValidationError("messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	if t := r.Temperature; t != nil && (*t < 0 || *t > 2) {
		return NewValidationError("temperature must be between 0 and 2")
	}
	if p := r.TopP; p != nil && (*p < 0 || *p > 1) {
		return NewValidationError("top_p must be between 0 and 1")
	}
	if n := r.MaxOutputTokens(); n != nil && *n < 1 {
		return NewValidationError("max_tokens must be at least 1")
	}

	seen := make(map[string]struct{}, len(r.Tools))
	for i, t := range r.Tools {
		if t.Type != "function" {
			return NewValidationError("tools[%d]: unsupported tool type %q", i, t.Type)
		}
		if t.Function.Name == "" {
			return NewValidationError("tools[%d]: function name is required", i)
		}
		if _, dup := seen[t.Function.Name]; dup {
			return NewValidationError("tools[%d]: duplicate tool name %q", i, t.Function.Name)
		}
		seen[t.Function.Name] = struct{}{}
	}

	if tc := r.ToolChoice; tc != nil {
		switch tc.Mode {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
		case ToolChoiceFunction:
			if _, ok := seen[tc.Function]; !ok {
				return NewValidationError("tool_choice references undeclared tool %q", tc.Function)
			}
		default:
			return NewValidationError("unsupported tool_choice %q", tc.Mode)
		}
	}

	if rf := r.ResponseFormat; rf != nil {
		switch rf.Type {
		case "", ResponseFormatText, ResponseFormatJSONObject, ResponseFormatJSONSchema:
		default:
			return NewValidationError("unsupported response_format type %q", rf.Type)
		}
	}
	return nil
}
