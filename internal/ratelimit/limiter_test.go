package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAdmitDeniesAfterMinuteCeiling(t *testing.T) {
	l := New(Config{PerMinute: 30, PerHour: 500})
	start := time.Now()

	// 31 requests inside ten seconds
	for i := 0; i < 30; i++ {
		now := start.Add(time.Duration(i) * 300 * time.Millisecond)
		if d := l.Admit("10.0.0.1", now); !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	d := l.Admit("10.0.0.1", start.Add(10*time.Second))
	if d.Allowed {
		t.Fatal("request 31 allowed, want denied")
	}
	secs := d.RetryAfterSeconds()
	if secs <= 0 || secs > 60 {
		t.Errorf("retry after = %d, want in (0, 60]", secs)
	}
	if secs != 50 {
		t.Errorf("retry after = %d, want 50 (oldest entry expires at start+60s)", secs)
	}
	if d.Allowance.MinuteRemaining != 0 {
		t.Errorf("minute remaining = %d, want 0", d.Allowance.MinuteRemaining)
	}
}

func TestAdmitKeysAreIndependent(t *testing.T) {
	l := New(Config{PerMinute: 2, PerHour: 10})
	now := time.Now()

	l.Admit("a", now)
	l.Admit("a", now)
	if d := l.Admit("a", now); d.Allowed {
		t.Fatal("key a: third request allowed")
	}
	if d := l.Admit("b", now); !d.Allowed {
		t.Fatal("key b denied because of key a")
	}
}

func TestWindowBoundaryEvictsBeforeCounting(t *testing.T) {
	l := New(Config{PerMinute: 1, PerHour: 100})
	start := time.Now()

	if d := l.Admit("k", start); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := l.Admit("k", start.Add(59*time.Second)); d.Allowed {
		t.Fatal("request inside window allowed")
	}
	// exactly one window later the first entry has expired
	if d := l.Admit("k", start.Add(time.Minute)); !d.Allowed {
		t.Fatal("request on window boundary denied")
	}
}

func TestDeniedRequestIsNotRecorded(t *testing.T) {
	l := New(Config{PerMinute: 1, PerHour: 100})
	start := time.Now()

	l.Admit("k", start)
	for i := 1; i <= 5; i++ {
		l.Admit("k", start.Add(time.Duration(i)*time.Second))
	}
	a := l.Remaining("k", start.Add(10*time.Second))
	if got, want := a.HourRemaining, 99; got != want {
		t.Errorf("hour remaining = %d, want %d", got, want)
	}
}

func TestHourCeilingRetryAfter(t *testing.T) {
	l := New(Config{PerMinute: 100, PerHour: 3})
	start := time.Now()

	for i := 0; i < 3; i++ {
		l.Admit("k", start.Add(time.Duration(i)*2*time.Minute))
	}
	now := start.Add(10 * time.Minute)
	d := l.Admit("k", now)
	if d.Allowed {
		t.Fatal("request over hourly ceiling allowed")
	}
	if got, want := d.RetryAfter, 50*time.Minute; got != want {
		t.Errorf("retry after = %v, want %v", got, want)
	}
}

func TestBothWindowsBreachedUsesLongestWait(t *testing.T) {
	l := New(Config{PerMinute: 1, PerHour: 1})
	start := time.Now()

	l.Admit("k", start)
	d := l.Admit("k", start.Add(time.Second))
	if d.Allowed {
		t.Fatal("allowed, want denied")
	}
	if got, want := d.RetryAfter, time.Hour-time.Second; got != want {
		t.Errorf("retry after = %v, want %v", got, want)
	}
}

func TestRemainingForUnknownKey(t *testing.T) {
	l := New(Config{})
	a := l.Remaining("nobody", time.Now())
	if a.MinuteLimit != DefaultPerMinute || a.MinuteRemaining != DefaultPerMinute {
		t.Errorf("minute allowance = %+v", a)
	}
	if a.HourLimit != DefaultPerHour || a.HourRemaining != DefaultPerHour {
		t.Errorf("hour allowance = %+v", a)
	}
	if l.Keys() != 0 {
		t.Errorf("Remaining created state for unknown key")
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := New(Config{PerMinute: 10, PerHour: 10})
	start := time.Now()

	l.Admit("old", start)
	l.Admit("fresh", start.Add(59*time.Minute))

	removed := l.Sweep(start.Add(time.Hour))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if l.Keys() != 1 {
		t.Errorf("tracked keys = %d, want 1", l.Keys())
	}

	// a swept key starts from a fresh window
	if d := l.Admit("old", start.Add(time.Hour)); !d.Allowed {
		t.Error("swept key denied")
	}
}

func TestConcurrentAdmitNeverExceedsCeiling(t *testing.T) {
	l := New(Config{PerMinute: 25, PerHour: 1000})
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared", now).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 25 {
		t.Errorf("allowed = %d, want 25", allowed)
	}
}

func TestConcurrentAdmitWithSweep(t *testing.T) {
	l := New(Config{PerMinute: 1000, PerHour: 1000})
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			l.Admit(fmt.Sprintf("key-%d", i%5), now)
		}(i)
		go func() {
			defer wg.Done()
			l.Sweep(now)
		}()
	}
	wg.Wait()

	total := 0
	for i := 0; i < 5; i++ {
		a := l.Remaining(fmt.Sprintf("key-%d", i), now)
		total += a.MinuteLimit - a.MinuteRemaining
	}
	if total != 50 {
		t.Errorf("recorded requests = %d, want 50", total)
	}
}
