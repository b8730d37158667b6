package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/chat-gateway/internal/engine"
	"github.com/aigoflow/chat-gateway/internal/extract"
	"github.com/aigoflow/chat-gateway/internal/metrics"
	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/prompt"
	"github.com/aigoflow/chat-gateway/internal/repository"
	"github.com/aigoflow/chat-gateway/internal/usage"
)

// ChatConfig holds the orchestration defaults
type ChatConfig struct {
	Template      string
	DefaultSystem string
	DefaultModel  string
	Models        []string
	StrictModelID bool
	Temperature   float64
	TopP          float64
	MaxTokens     int

	// LanguagePrompts are system prompts keyed by detected user language
	LanguagePrompts map[string]string
	CharsPerToken   float64
}

// Caller identifies who asked for a completion. It only feeds logging and
// the audit log.
type Caller struct {
	Source    string
	ClientKey string
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{Source: "http"}
}

type ChatService struct {
	engine    engine.Engine
	templates *prompt.Registry
	tokenizer engine.Tokenizer
	usage     *usage.Aggregator
	repo      repository.Repository
	metrics   *metrics.Collector
	cfg       ChatConfig
	started   time.Time
}

// NewChatService wires the orchestrator. repo and m may be nil.
func NewChatService(eng engine.Engine, agg *usage.Aggregator, repo repository.Repository, m *metrics.Collector, cfg ChatConfig) *ChatService {
	return &ChatService{
		engine:    eng,
		templates: prompt.NewRegistry(),
		tokenizer: engine.Estimator{CharsPerToken: cfg.CharsPerToken},
		usage:     agg,
		repo:      repo,
		metrics:   m,
		cfg:       cfg,
		started:   time.Now(),
	}
}

func (s *ChatService) Usage() *usage.Aggregator {
	return s.usage
}

// Models lists the configured model catalog
func (s *ChatService) Models() models.ModelList {
	list := models.ModelList{Object: "list", Data: make([]models.ModelInfo, 0, len(s.cfg.Models))}
	for _, id := range s.cfg.Models {
		list.Data = append(list.Data, models.ModelInfo{
			ID:      id,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "chat-gateway",
		})
	}
	return list
}

// plan is one prepared request: everything decided before the engine runs
type plan struct {
	id       string
	created  int64
	model    string
	caller   Caller
	tmpl     prompt.Template
	prompt   string
	manifest []extract.Tool
	mode     extract.Mode
	params   engine.Params
	stream   bool
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ToLower(ulid.Make().String())
}

func (s *ChatService) prepare(ctx context.Context, req *models.ChatCompletionRequest) (*plan, *models.APIError) {
	if apiErr := req.Validate(); apiErr != nil {
		return nil, apiErr
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	if s.cfg.StrictModelID && !s.knownModel(model) {
		return nil, models.NewValidationError("unknown model %q", model)
	}

	manifest := make([]extract.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		manifest = append(manifest, extract.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	caller := callerFrom(ctx)
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case models.ToolChoiceNone:
			manifest = nil
		case models.ToolChoiceRequired:
			slog.Warn("tool_choice required is not enforced, treating as auto",
				"model", model,
				"client", caller.ClientKey)
		case models.ToolChoiceFunction:
			for _, t := range manifest {
				if t.Name == tc.Function {
					manifest = []extract.Tool{t}
					break
				}
			}
		}
	}

	conv := &prompt.Conversation{
		Messages:        convertMessages(req.Messages),
		Tools:           manifest,
		DefaultSystem:   s.cfg.DefaultSystem,
		LanguagePrompts: s.cfg.LanguagePrompts,
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.ResponseFormatJSONObject:
			conv.JSONObject = true
		case models.ResponseFormatJSONSchema:
			conv.JSONObject = true
			if rf.JSONSchema != nil {
				conv.Schema = rf.JSONSchema.Schema
			}
		}
	}

	mode := extract.ModePlain
	switch {
	case len(manifest) > 0:
		mode = extract.ModeToolAware
	case conv.JSONObject:
		mode = extract.ModeJSONObject
	}

	tmpl := s.templates.Select(s.cfg.Template, model)
	p := &plan{
		id:       newCompletionID(),
		created:  time.Now().Unix(),
		model:    model,
		caller:   caller,
		tmpl:     tmpl,
		prompt:   tmpl.Render(conv),
		manifest: manifest,
		mode:     mode,
		stream:   req.Stream,
		params: engine.Params{
			Model:       model,
			Temperature: s.cfg.Temperature,
			TopP:        s.cfg.TopP,
			MaxTokens:   s.cfg.MaxTokens,
			Stop:        append(append([]string{}, tmpl.Stop()...), req.Stop...),
		},
	}
	if req.Temperature != nil {
		p.params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.params.TopP = *req.TopP
	}
	if n := req.MaxOutputTokens(); n != nil {
		p.params.MaxTokens = *n
	}
	return p, nil
}

// RenderPrompt resolves a request exactly as Complete would and returns the
// prompt without calling the engine.
func (s *ChatService) RenderPrompt(ctx context.Context, req *models.ChatCompletionRequest) (*models.PromptPreview, error) {
	p, apiErr := s.prepare(ctx, req)
	if apiErr != nil {
		return nil, apiErr
	}
	slog.Debug("Prompt rendered", "req_id", p.id, "model", p.model, "template", p.tmpl.Name(), "length", len(p.prompt))
	return &models.PromptPreview{
		Model:        p.model,
		Template:     p.tmpl.Name(),
		Mode:         p.mode.String(),
		MessageCount: len(req.Messages),
		Prompt:       p.prompt,
		PromptLength: len(p.prompt),
		PromptTokens: s.tokenizer.Count(p.prompt),
		Stop:         p.params.Stop,
	}, nil
}

func (s *ChatService) knownModel(id string) bool {
	for _, m := range s.cfg.Models {
		if m == id {
			return true
		}
	}
	return false
}

func convertMessages(in []models.Message) []prompt.Message {
	out := make([]prompt.Message, 0, len(in))
	for _, m := range in {
		msg := prompt.Message{
			Role:       prompt.Role(m.Role),
			Content:    string(m.Content),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, c := range m.ToolCalls {
			msg.Calls = append(msg.Calls, prompt.Call{
				ID:        c.ID,
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			})
		}
		out = append(out, msg)
	}
	return out
}

// outcome is what a finished generation produced
type outcome struct {
	raw              string
	extracted        extract.Result
	finishReason     string
	promptTokens     int
	completionTokens int
}

// finish runs template clean-up, extraction and token accounting over the
// raw engine output.
func (s *ChatService) finish(p *plan, raw, engineFinish string, promptTokens, completionTokens int) outcome {
	ext := extract.ExtractSalted(p.tmpl.Clean(raw), p.manifest, p.mode, p.id)
	for _, b := range ext.Blocks {
		s.metrics.ToolBlock(b.Outcome.String())
		if b.Outcome != extract.ValidCall {
			slog.Warn("Ignored tool call block",
				"req_id", p.id,
				"index", b.Index,
				"outcome", b.Outcome.String(),
				"name", b.Name)
		}
	}
	if p.mode == extract.ModeJSONObject && !ext.StructuredOK {
		slog.Warn("Model output holds no JSON object, returning raw text", "req_id", p.id)
	}

	finish := engine.NormalizeFinish(engineFinish)
	if ext.FinishReason != "" {
		finish = ext.FinishReason
	}

	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = s.tokenizer.Count(p.prompt)
		completionTokens = s.tokenizer.Count(raw)
	}
	return outcome{
		raw:              raw,
		extracted:        ext,
		finishReason:     finish,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
	}
}

// Complete runs one blocking chat completion
func (s *ChatService) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	p, apiErr := s.prepare(ctx, req)
	if apiErr != nil {
		return nil, apiErr
	}

	start := time.Now()
	res, err := s.engine.Generate(ctx, p.prompt, p.params)
	if err != nil {
		s.failed(ctx, p, start, err)
		return nil, models.NewGenerationError(err)
	}

	out := s.finish(p, res.Text, res.FinishReason, res.PromptTokens, res.CompletionTokens)
	s.record(ctx, p, start, out)

	message := models.ResponseMessage{Role: "assistant"}
	if calls := out.extracted.ToolCalls; len(calls) > 0 {
		message.ToolCalls = toWireCalls(calls, false)
	} else {
		content := out.extracted.Content
		message.Content = &content
	}

	return &models.ChatCompletionResponse{
		ID:      p.id,
		Object:  "chat.completion",
		Created: p.created,
		Model:   p.model,
		Choices: []models.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: out.finishReason,
		}},
		Usage: usageOf(out),
	}, nil
}

// Stream runs one streamed chat completion, handing every chunk to emit.
// An error from emit means the client is gone: generation stops and no
// usage is recorded. Errors returned before the first emit carry no partial
// output and can be reported as a plain error response.
func (s *ChatService) Stream(ctx context.Context, req *models.ChatCompletionRequest, emit func(*models.ChatCompletionChunk) error) error {
	p, apiErr := s.prepare(ctx, req)
	if apiErr != nil {
		return apiErr
	}

	start := time.Now()
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.engine.GenerateStream(genCtx, p.prompt, p.params)
	if err != nil {
		s.failed(ctx, p, start, err)
		return models.NewGenerationError(err)
	}
	defer stream.Close()

	chunk := func(delta models.Delta, finish *string) *models.ChatCompletionChunk {
		return &models.ChatCompletionChunk{
			ID:      p.id,
			Object:  "chat.completion.chunk",
			Created: p.created,
			Model:   p.model,
			Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	if err := emit(chunk(models.Delta{Role: "assistant"}, nil)); err != nil {
		s.aborted(ctx, p, start, "")
		return err
	}

	// Plain text from an incremental template is forwarded as it arrives.
	// Everything else is only known once the output is complete.
	incremental := p.mode == extract.ModePlain && p.tmpl.Incremental()

	var (
		raw                            strings.Builder
		engineFinish                   string
		promptTokens, completionTokens int
	)
	for stream.Next() {
		frag := stream.Current()
		raw.WriteString(frag.Text)
		if frag.FinishReason != "" {
			engineFinish = frag.FinishReason
			promptTokens, completionTokens = frag.PromptTokens, frag.CompletionTokens
		}
		if incremental && frag.Text != "" {
			text := frag.Text
			if err := emit(chunk(models.Delta{Content: &text}, nil)); err != nil {
				cancel()
				s.aborted(ctx, p, start, raw.String())
				return err
			}
		}
	}

	if ctx.Err() != nil {
		s.aborted(ctx, p, start, raw.String())
		return ctx.Err()
	}
	if err := stream.Err(); err != nil {
		s.failed(ctx, p, start, err)
		return models.NewGenerationError(err)
	}

	out := s.finish(p, raw.String(), engineFinish, promptTokens, completionTokens)
	if !incremental {
		var delta models.Delta
		if calls := out.extracted.ToolCalls; len(calls) > 0 {
			delta.ToolCalls = toWireCalls(calls, true)
		} else {
			content := out.extracted.Content
			delta.Content = &content
		}
		if err := emit(chunk(delta, nil)); err != nil {
			s.aborted(ctx, p, start, raw.String())
			return err
		}
	}

	// usage is only recorded once the final chunk reached the client
	final := chunk(models.Delta{}, &out.finishReason)
	u := usageOf(out)
	final.Usage = &u
	if err := emit(final); err != nil {
		s.aborted(ctx, p, start, raw.String())
		return err
	}
	s.record(ctx, p, start, out)
	return nil
}

func toWireCalls(calls []extract.ToolCall, indexed bool) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for i, c := range calls {
		call := models.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: models.ToolCallFunction{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		}
		if indexed {
			idx := i
			call.Index = &idx
		}
		out = append(out, call)
	}
	return out
}

func usageOf(out outcome) models.Usage {
	return models.Usage{
		PromptTokens:     out.promptTokens,
		CompletionTokens: out.completionTokens,
		TotalTokens:      out.promptTokens + out.completionTokens,
	}
}

// record books a successful completion into usage stats, metrics and the
// audit log.
func (s *ChatService) record(ctx context.Context, p *plan, start time.Time, out outcome) {
	dur := time.Since(start)
	s.usage.Record(usage.Record{
		Model:            p.model,
		PromptTokens:     out.promptTokens,
		CompletionTokens: out.completionTokens,
		FinishReason:     out.finishReason,
	})
	s.metrics.ObserveCompletion(p.model, p.caller.Source, models.StatusOK, out.finishReason, out.promptTokens, out.completionTokens, dur)

	slog.Info("Chat completion finished",
		"req_id", p.id,
		"model", p.model,
		"source", p.caller.Source,
		"template", p.tmpl.Name(),
		"mode", p.mode.String(),
		"stream", p.stream,
		"finish_reason", out.finishReason,
		"tool_calls", len(out.extracted.ToolCalls),
		"prompt_tokens", out.promptTokens,
		"completion_tokens", out.completionTokens,
		"duration_ms", dur.Milliseconds())

	s.audit(ctx, p, start, &models.RequestLog{
		ResponseText:     out.raw,
		FinishReason:     out.finishReason,
		ToolCalls:        len(out.extracted.ToolCalls),
		PromptTokens:     out.promptTokens,
		CompletionTokens: out.completionTokens,
		Status:           models.StatusOK,
	})
}

func (s *ChatService) failed(ctx context.Context, p *plan, start time.Time, cause error) {
	status := models.StatusError
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		status = models.StatusCanceled
	}
	s.metrics.ObserveCompletion(p.model, p.caller.Source, status, "", 0, 0, time.Since(start))
	slog.Error("Chat completion failed",
		"req_id", p.id,
		"model", p.model,
		"source", p.caller.Source,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", cause)
	s.audit(ctx, p, start, &models.RequestLog{Status: status, Error: cause.Error()})
}

func (s *ChatService) aborted(ctx context.Context, p *plan, start time.Time, partial string) {
	s.metrics.ObserveCompletion(p.model, p.caller.Source, models.StatusCanceled, "", 0, 0, time.Since(start))
	slog.Info("Chat stream aborted by client",
		"req_id", p.id,
		"model", p.model,
		"generated_chars", len(partial),
		"duration_ms", time.Since(start).Milliseconds())
	s.audit(ctx, p, start, &models.RequestLog{ResponseText: partial, Status: models.StatusCanceled, Error: "client disconnected"})
}

func (s *ChatService) audit(ctx context.Context, p *plan, start time.Time, entry *models.RequestLog) {
	if s.repo == nil {
		return
	}
	entry.Timestamp = start
	entry.ReqID = p.id
	entry.Source = p.caller.Source
	entry.ClientKey = p.caller.ClientKey
	entry.Model = p.model
	entry.Template = p.tmpl.Name()
	entry.Mode = p.mode.String()
	entry.Stream = p.stream
	entry.FormattedPrompt = p.prompt
	entry.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	if err := s.repo.Request().LogRequest(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("Failed to write audit log", "req_id", p.id, "error", err)
	}
}
