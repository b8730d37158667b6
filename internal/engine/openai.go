package engine

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
)

// OpenAIEngine drives any OpenAI-compatible legacy completions endpoint
// (vLLM, llama.cpp server) with an already rendered prompt.
type OpenAIEngine struct {
	client openai.Client
	model  string
}

func NewOpenAIEngine(baseURL, apiKey, model string) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (e *OpenAIEngine) Name() string { return "openai:" + e.model }

func (e *OpenAIEngine) params(prompt string, p Params) openai.CompletionNewParams {
	params := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(e.model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}
	params.Temperature = openai.Float(p.Temperature)
	params.TopP = openai.Float(p.TopP)
	if len(p.Stop) > 0 {
		params.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: p.Stop}
	}
	return params
}

func (e *OpenAIEngine) Generate(ctx context.Context, prompt string, p Params) (*Result, error) {
	completion, err := e.client.Completions.New(ctx, e.params(prompt, p))
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyOutput
	}

	choice := completion.Choices[0]
	return &Result{
		Text:             choice.Text,
		FinishReason:     NormalizeFinish(string(choice.FinishReason)),
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func (e *OpenAIEngine) GenerateStream(ctx context.Context, prompt string, p Params) (Stream, error) {
	params := e.params(prompt, p)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	ctx, cancel := context.WithCancel(ctx)
	stream := e.client.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("completion stream: %w", err)
	}
	return &openAIStream{stream: stream, cancel: cancel}, nil
}

// openAIStream adapts the SDK stream. The finish reason and the usage chunk
// may arrive separately; both are folded into one terminal fragment.
type openAIStream struct {
	stream *ssestream.Stream[openai.Completion]
	cancel context.CancelFunc

	current Fragment
	pending *Fragment
	done    bool
}

func (s *openAIStream) Next() bool {
	if s.done {
		return false
	}
	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.Usage.CompletionTokens > 0 && s.pending != nil {
			s.pending.PromptTokens = int(chunk.Usage.PromptTokens)
			s.pending.CompletionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.pending = &Fragment{
				Text:             choice.Text,
				FinishReason:     NormalizeFinish(string(choice.FinishReason)),
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}
			continue
		}
		if choice.Text == "" {
			continue
		}
		s.current = Fragment{Text: choice.Text}
		return true
	}

	s.done = true
	if s.stream.Err() != nil {
		return false
	}
	if s.pending == nil {
		s.pending = &Fragment{FinishReason: FinishStop}
	}
	s.current = *s.pending
	return true
}

func (s *openAIStream) Current() Fragment { return s.current }

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("completion stream: %w", err)
	}
	return nil
}

func (s *openAIStream) Close() error {
	s.cancel()
	return s.stream.Close()
}
