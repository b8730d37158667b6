package usage

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSnapshotDerivedMetrics(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	agg := New(10, WithClock(clock.Now))

	agg.Record(Record{Model: "qwen", PromptTokens: 100, CompletionTokens: 50, FinishReason: FinishStop})
	agg.Record(Record{Model: "qwen", PromptTokens: 200, CompletionTokens: 150, FinishReason: FinishLength})
	agg.Record(Record{Model: "gpt-oss", PromptTokens: 300, CompletionTokens: 100, FinishReason: FinishToolCalls})
	agg.Record(Record{Model: "qwen", PromptTokens: 0, CompletionTokens: 0, FinishReason: FinishStop})
	clock.Advance(2 * time.Hour)

	s := agg.Snapshot()

	if s.TotalRequests != 4 {
		t.Errorf("total requests = %d, want 4", s.TotalRequests)
	}
	if s.TotalPromptTokens != 600 || s.TotalCompletionTokens != 300 || s.TotalTokens != 900 {
		t.Errorf("token totals = %d/%d/%d", s.TotalPromptTokens, s.TotalCompletionTokens, s.TotalTokens)
	}
	if s.AveragePromptTokens != 150 || s.AverageCompletionTokens != 75 || s.AverageTotalTokens != 225 {
		t.Errorf("averages = %v/%v/%v", s.AveragePromptTokens, s.AverageCompletionTokens, s.AverageTotalTokens)
	}
	if s.RequestsPerHour != 2 {
		t.Errorf("requests per hour = %v, want 2", s.RequestsPerHour)
	}
	if s.TokensPerHour != 450 {
		t.Errorf("tokens per hour = %v, want 450", s.TokensPerHour)
	}
	if s.UptimeSeconds != 7200 {
		t.Errorf("uptime = %d, want 7200", s.UptimeSeconds)
	}
	if s.RequestsByModel["qwen"] != 3 || s.TokensByModel["gpt-oss"] != 400 {
		t.Errorf("per-model tallies = %v %v", s.RequestsByModel, s.TokensByModel)
	}
	if s.FinishReasons[FinishStop] != 2 || s.FinishReasonFraction[FinishStop] != 0.5 {
		t.Errorf("finish reasons = %v %v", s.FinishReasons, s.FinishReasonFraction)
	}
}

func TestEmptySnapshot(t *testing.T) {
	s := New(0).Snapshot()
	if s.TotalRequests != 0 || s.AverageTotalTokens != 0 || s.RequestsPerHour != 0 {
		t.Errorf("empty snapshot has non-zero metrics: %+v", s)
	}
	if s.RecentRequestsCount != 0 {
		t.Errorf("recent count = %d", s.RecentRequestsCount)
	}
}

func TestRecentRingEvictsOldestFirst(t *testing.T) {
	agg := New(3)
	for i := 1; i <= 5; i++ {
		agg.Record(Record{Model: "m", CompletionTokens: i, FinishReason: FinishStop})
	}

	s := agg.Snapshot()
	if s.RecentRequestsCount != 3 {
		t.Fatalf("recent count = %d, want 3", s.RecentRequestsCount)
	}
	for i, want := range []int{3, 4, 5} {
		if got := s.Recent[i].CompletionTokens; got != want {
			t.Errorf("recent[%d] = %d, want %d", i, got, want)
		}
	}
	if s.RecentAverageTokens != 4 {
		t.Errorf("recent average = %v, want 4", s.RecentAverageTokens)
	}
	if s.TotalRequests != 5 {
		t.Errorf("total requests = %d, ring eviction must not touch counters", s.TotalRequests)
	}
}

func TestNegativeTokensClamped(t *testing.T) {
	agg := New(5)
	agg.Record(Record{Model: "m", PromptTokens: -4, CompletionTokens: -1, FinishReason: FinishStop})
	s := agg.Snapshot()
	if s.TotalTokens != 0 {
		t.Errorf("total tokens = %d, want 0", s.TotalTokens)
	}
}

func TestConcurrentRecordLosesNothing(t *testing.T) {
	agg := New(50)
	const workers, perWorker = 16, 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Record(Record{Model: "m", PromptTokens: 2, CompletionTokens: 1, FinishReason: FinishStop})
				if i%50 == 0 {
					_ = agg.Snapshot()
				}
			}
		}()
	}
	wg.Wait()

	s := agg.Snapshot()
	if s.TotalRequests != workers*perWorker {
		t.Errorf("total requests = %d, want %d", s.TotalRequests, workers*perWorker)
	}
	if s.TotalTokens != 3*workers*perWorker {
		t.Errorf("total tokens = %d, want %d", s.TotalTokens, 3*workers*perWorker)
	}
}

func TestSnapshotMapsAreCopies(t *testing.T) {
	agg := New(5)
	agg.Record(Record{Model: "m", FinishReason: FinishStop})
	s := agg.Snapshot()
	s.RequestsByModel["m"] = 99

	if got := agg.Snapshot().RequestsByModel["m"]; got != 1 {
		t.Errorf("snapshot map aliases aggregator state: %d", got)
	}
}
