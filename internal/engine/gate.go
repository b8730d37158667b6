package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate serializes access to an Engine. Waiters are admitted in FIFO order;
// the slot is held for the whole blocking call, or until a stream is closed.
// The generation timeout starts once the slot is acquired, so queue wait and
// generation are bounded separately. Engine panics are recovered into errors.
type Gate struct {
	engine            Engine
	sem               *semaphore.Weighted
	queueTimeout      time.Duration
	generationTimeout time.Duration

	waiting atomic.Int64
	active  atomic.Int64
}

// NewGate wraps e. Zero timeouts disable the respective bound.
func NewGate(e Engine, queueTimeout, generationTimeout time.Duration) *Gate {
	return &Gate{
		engine:            e,
		sem:               semaphore.NewWeighted(1),
		queueTimeout:      queueTimeout,
		generationTimeout: generationTimeout,
	}
}

// generationContext bounds one generation, measured from slot acquisition
func (g *Gate) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.generationTimeout > 0 {
		return context.WithTimeout(ctx, g.generationTimeout)
	}
	return context.WithCancel(ctx)
}

func (g *Gate) Name() string { return g.engine.Name() }

// Load reports how many callers wait for the slot and whether it is taken.
func (g *Gate) Load() (waiting, active int64) {
	return g.waiting.Load(), g.active.Load()
}

func (g *Gate) acquire(ctx context.Context) (func(), error) {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	waitCtx := ctx
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v", ErrQueueTimeout, time.Since(start).Round(time.Millisecond))
	}
	g.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.active.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

func (g *Gate) Generate(ctx context.Context, prompt string, p Params) (res *Result, err error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	genCtx, cancel := g.generationContext(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Inference panic recovered", "engine", g.engine.Name(), "error", r)
			res, err = nil, fmt.Errorf("inference panic: %v", r)
		}
	}()
	return g.engine.Generate(genCtx, prompt, p)
}

func (g *Gate) GenerateStream(ctx context.Context, prompt string, p Params) (s Stream, err error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	genCtx, cancel := g.generationContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Inference panic recovered", "engine", g.engine.Name(), "error", r)
			s, err = nil, fmt.Errorf("inference panic: %v", r)
		}
		if err != nil {
			cancel()
			release()
		}
	}()

	inner, err := g.engine.GenerateStream(genCtx, prompt, p)
	if err != nil {
		return nil, err
	}
	return &gatedStream{inner: inner, release: release, cancel: cancel, name: g.engine.Name()}, nil
}

// gatedStream frees the slot on Close and turns panics in the underlying
// stream into a stream error.
type gatedStream struct {
	inner   Stream
	release func()
	cancel  context.CancelFunc
	name    string
	err     error
}

func (s *gatedStream) Next() (ok bool) {
	if s.err != nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream panic recovered", "engine", s.name, "error", r)
			s.err = fmt.Errorf("inference panic: %v", r)
			ok = false
		}
	}()
	return s.inner.Next()
}

func (s *gatedStream) Current() Fragment { return s.inner.Current() }

func (s *gatedStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.inner.Err()
}

func (s *gatedStream) Close() error {
	defer s.release()
	defer s.cancel()
	err := s.inner.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
