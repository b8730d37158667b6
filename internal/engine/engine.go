// Package engine defines the generation engine contract and the adapters
// that satisfy it.
package engine

import (
	"context"
	"errors"
)

// Params are the sampling parameters of one generation call.
type Params struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// Result is a completed, blocking generation. Token counts are zero when
// the engine does not report them.
type Result struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Fragment is one piece of a streamed generation. Only the terminal fragment
// carries a FinishReason, and token counts when the engine reports them.
type Fragment struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Stream is a finite, non-restartable sequence of fragments. Close must be
// called once the caller is done, whether or not the stream was drained.
type Stream interface {
	Next() bool
	Current() Fragment
	Err() error
	Close() error
}

type Engine interface {
	Generate(ctx context.Context, prompt string, p Params) (*Result, error)
	GenerateStream(ctx context.Context, prompt string, p Params) (Stream, error)
	Name() string
}

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

var (
	ErrQueueTimeout = errors.New("timed out waiting for the engine slot")
	ErrEmptyOutput  = errors.New("engine returned no choices")
)

// NormalizeFinish maps engine-specific reasons onto stop/length.
func NormalizeFinish(reason string) string {
	switch reason {
	case FinishLength, "max_tokens", "max_length":
		return FinishLength
	default:
		return FinishStop
	}
}

// sliceStream replays a fixed set of fragments. Engines without native
// streaming return their whole output through it.
type sliceStream struct {
	frags []Fragment
	pos   int
}

func newSliceStream(frags ...Fragment) *sliceStream {
	return &sliceStream{frags: frags, pos: -1}
}

func (s *sliceStream) Next() bool {
	if s.pos+1 >= len(s.frags) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Current() Fragment {
	if s.pos < 0 || s.pos >= len(s.frags) {
		return Fragment{}
	}
	return s.frags[s.pos]
}

func (s *sliceStream) Err() error   { return nil }
func (s *sliceStream) Close() error { return nil }
