// Package usage keeps process-wide, in-memory usage statistics for
// completed generations. Nothing here survives a restart.
package usage

import (
	"maps"
	"sync"
	"time"
)

const DefaultRecentCapacity = 100

// Finish reasons recorded by the gateway.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Record is one completed generation. It is never mutated after Record.
type Record struct {
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	FinishReason     string    `json:"finish_reason"`
	Timestamp        time.Time `json:"timestamp"`
}

func (r Record) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Aggregator accumulates Records behind a single mutex. Derived metrics are
// only computed in Snapshot.
type Aggregator struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time

	totalRequests         int64
	totalPromptTokens     int64
	totalCompletionTokens int64
	requestsByModel       map[string]int64
	tokensByModel         map[string]int64
	finishReasons         map[string]int64

	recent []Record
	next   int
	filled bool
}

type Option func(*Aggregator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(recentCapacity int, opts ...Option) *Aggregator {
	if recentCapacity <= 0 {
		recentCapacity = DefaultRecentCapacity
	}
	a := &Aggregator{
		now:             time.Now,
		requestsByModel: make(map[string]int64),
		tokensByModel:   make(map[string]int64),
		finishReasons:   make(map[string]int64),
		recent:          make([]Record, recentCapacity),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.start = a.now()
	return a
}

// Record adds r to the running totals and the recent ring buffer.
func (a *Aggregator) Record(r Record) {
	if r.PromptTokens < 0 {
		r.PromptTokens = 0
	}
	if r.CompletionTokens < 0 {
		r.CompletionTokens = 0
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalRequests++
	a.totalPromptTokens += int64(r.PromptTokens)
	a.totalCompletionTokens += int64(r.CompletionTokens)
	a.requestsByModel[r.Model]++
	a.tokensByModel[r.Model] += int64(r.TotalTokens())
	a.finishReasons[r.FinishReason]++

	a.recent[a.next] = r
	a.next = (a.next + 1) % len(a.recent)
	if a.next == 0 {
		a.filled = true
	}
}

// Snapshot is a point-in-time view of the aggregate.
type Snapshot struct {
	StartTime     time.Time `json:"start_time"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	UptimeHours   float64   `json:"uptime_hours"`

	TotalRequests         int64 `json:"total_requests"`
	TotalPromptTokens     int64 `json:"total_prompt_tokens"`
	TotalCompletionTokens int64 `json:"total_completion_tokens"`
	TotalTokens           int64 `json:"total_tokens"`

	AveragePromptTokens     float64 `json:"average_prompt_tokens"`
	AverageCompletionTokens float64 `json:"average_completion_tokens"`
	AverageTotalTokens      float64 `json:"average_total_tokens"`
	RequestsPerHour         float64 `json:"requests_per_hour"`
	TokensPerHour           float64 `json:"tokens_per_hour"`

	RequestsByModel      map[string]int64   `json:"requests_by_model"`
	TokensByModel        map[string]int64   `json:"tokens_by_model"`
	FinishReasons        map[string]int64   `json:"finish_reasons"`
	FinishReasonFraction map[string]float64 `json:"finish_reason_distribution"`

	RecentRequestsCount   int      `json:"recent_requests_count"`
	RecentAverageTokens   float64  `json:"recent_average_total_tokens"`
	RecentRequestsPerHour float64  `json:"recent_requests_per_hour"`
	Recent                []Record `json:"recent_requests,omitempty"`
}

// Snapshot returns derived metrics computed from the current counters.
// Recent records are returned oldest first.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	uptime := now.Sub(a.start)
	hours := uptime.Hours()

	s := Snapshot{
		StartTime:             a.start,
		UptimeSeconds:         int64(uptime / time.Second),
		UptimeHours:           round2(hours),
		TotalRequests:         a.totalRequests,
		TotalPromptTokens:     a.totalPromptTokens,
		TotalCompletionTokens: a.totalCompletionTokens,
		TotalTokens:           a.totalPromptTokens + a.totalCompletionTokens,
		RequestsByModel:       maps.Clone(a.requestsByModel),
		TokensByModel:         maps.Clone(a.tokensByModel),
		FinishReasons:         maps.Clone(a.finishReasons),
		FinishReasonFraction:  make(map[string]float64, len(a.finishReasons)),
	}

	if a.totalRequests > 0 {
		n := float64(a.totalRequests)
		s.AveragePromptTokens = round2(float64(a.totalPromptTokens) / n)
		s.AverageCompletionTokens = round2(float64(a.totalCompletionTokens) / n)
		s.AverageTotalTokens = round2(float64(s.TotalTokens) / n)
		for reason, count := range a.finishReasons {
			s.FinishReasonFraction[reason] = round2(float64(count) / n)
		}
	}
	if hours > 0 {
		s.RequestsPerHour = round2(float64(a.totalRequests) / hours)
		s.TokensPerHour = round2(float64(s.TotalTokens) / hours)
	}

	s.Recent = a.recentLocked()
	s.RecentRequestsCount = len(s.Recent)
	if len(s.Recent) > 0 {
		var sum int
		for _, r := range s.Recent {
			sum += r.TotalTokens()
		}
		s.RecentAverageTokens = round2(float64(sum) / float64(len(s.Recent)))
		if span := now.Sub(s.Recent[0].Timestamp).Hours(); span > 0 {
			s.RecentRequestsPerHour = round2(float64(len(s.Recent)) / span)
		}
	}
	return s
}

func (a *Aggregator) recentLocked() []Record {
	if !a.filled {
		return append([]Record(nil), a.recent[:a.next]...)
	}
	out := make([]Record, 0, len(a.recent))
	out = append(out, a.recent[a.next:]...)
	return append(out, a.recent[:a.next]...)
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}
