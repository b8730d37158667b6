package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aigoflow/chat-gateway/pkg/client"
)

// Inferer is the part of pkg/client the NATS engine needs.
type Inferer interface {
	Infer(ctx context.Context, model, prompt string, params map[string]interface{}) (*client.InferenceResponse, error)
}

// NATSEngine drives an aigoflow inference worker over NATS. Workers answer
// in one message, so streaming replays the whole output as one fragment.
type NATSEngine struct {
	client Inferer
	model  string
}

func NewNATSEngine(c Inferer, model string) *NATSEngine {
	return &NATSEngine{client: c, model: model}
}

func (e *NATSEngine) Name() string { return "nats:" + e.model }

func (e *NATSEngine) Generate(ctx context.Context, prompt string, p Params) (*Result, error) {
	params := map[string]interface{}{
		"max_tokens":  p.MaxTokens,
		"temperature": p.Temperature,
		"top_p":       p.TopP,
	}
	if len(p.Stop) > 0 {
		params["stop"] = p.Stop
	}

	resp, err := e.client.Infer(ctx, e.model, prompt, params)
	if err != nil {
		return nil, fmt.Errorf("nats inference: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("nats inference: %w", errors.New(resp.Error))
	}

	finish := resp.FinishReason
	if finish == "" && p.MaxTokens > 0 && resp.TokensOut >= p.MaxTokens {
		finish = FinishLength
	}
	return &Result{
		Text:             resp.Text,
		FinishReason:     NormalizeFinish(finish),
		PromptTokens:     resp.TokensIn,
		CompletionTokens: resp.TokensOut,
	}, nil
}

func (e *NATSEngine) GenerateStream(ctx context.Context, prompt string, p Params) (Stream, error) {
	res, err := e.Generate(ctx, prompt, p)
	if err != nil {
		return nil, err
	}
	return newSliceStream(Fragment{
		Text:             res.Text,
		FinishReason:     res.FinishReason,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
	}), nil
}
