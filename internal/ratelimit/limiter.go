// Package ratelimit implements the per-client sliding-window limiter that
// guards the generation engine. Each key keeps two windows, one minute and
// one hour, holding the timestamps of admitted requests.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPerMinute     = 30
	DefaultPerHour       = 500
	DefaultSweepInterval = 5 * time.Minute

	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Allowance is the remaining budget of a key in both windows.
type Allowance struct {
	MinuteLimit     int `json:"minute_limit"`
	MinuteRemaining int `json:"minute_remaining"`
	HourLimit       int `json:"hour_limit"`
	HourRemaining   int `json:"hour_remaining"`
}

// Decision is the outcome of Admit. RetryAfter is only set when the request
// was denied.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Allowance  Allowance
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1 for
// a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Config struct {
	PerMinute int
	PerHour   int
}

// Limiter is safe for concurrent use. The key map lock is only held for
// lookups and inserts; counting happens under the per-key lock.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	windows map[string]*window
}

func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = DefaultPerHour
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
	}
}

// Admit evicts stale timestamps for key, then admits the request if both
// windows are under their ceiling.
func (l *Limiter) Admit(key string, now time.Time) Decision {
	for {
		w := l.window(key)
		w.mu.Lock()
		if w.dead {
			// swept between lookup and lock
			w.mu.Unlock()
			continue
		}
		w.evict(now)

		var wait time.Duration
		denied := false
		if len(w.minute) >= l.cfg.PerMinute {
			denied = true
			wait = maxDuration(wait, w.minute[0].Add(minuteWindow).Sub(now))
		}
		if len(w.hour) >= l.cfg.PerHour {
			denied = true
			wait = maxDuration(wait, w.hour[0].Add(hourWindow).Sub(now))
		}
		if !denied {
			w.minute = append(w.minute, now)
			w.hour = append(w.hour, now)
		}
		allowance := l.allowance(w)
		w.mu.Unlock()

		if denied {
			return Decision{Allowed: false, RetryAfter: wait, Allowance: allowance}
		}
		return Decision{Allowed: true, Allowance: allowance}
	}
}

// Remaining reports the allowance of key without recording a request.
func (l *Limiter) Remaining(key string, now time.Time) Allowance {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return Allowance{
			MinuteLimit:     l.cfg.PerMinute,
			MinuteRemaining: l.cfg.PerMinute,
			HourLimit:       l.cfg.PerHour,
			HourRemaining:   l.cfg.PerHour,
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return l.allowance(w)
}

// Sweep drops every key whose windows are both empty and returns how many
// keys were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.evict(now)
		if len(w.minute) == 0 && len(w.hour) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := l.Sweep(time.Now()); removed > 0 {
				slog.Debug("Rate limiter sweep", "removed_keys", removed, "tracked_keys", l.Keys())
			}
		}
	}
}

func (l *Limiter) Limits() Config {
	return l.cfg
}

func (l *Limiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

func (l *Limiter) allowance(w *window) Allowance {
	return Allowance{
		MinuteLimit:     l.cfg.PerMinute,
		MinuteRemaining: max(0, l.cfg.PerMinute-len(w.minute)),
		HourLimit:       l.cfg.PerHour,
		HourRemaining:   max(0, l.cfg.PerHour-len(w.hour)),
	}
}

// window holds admitted timestamps in arrival order.
type window struct {
	mu     sync.Mutex
	minute []time.Time
	hour   []time.Time
	dead   bool
}

func (w *window) evict(now time.Time) {
	w.minute = evictBefore(w.minute, now, minuteWindow)
	w.hour = evictBefore(w.hour, now, hourWindow)
}

// evictBefore drops timestamps that are at least size old. An entry exactly
// on the boundary no longer counts.
func evictBefore(ts []time.Time, now time.Time, size time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= size {
		i++
	}
	if i == 0 {
		return ts
	}
	if i == len(ts) {
		return ts[:0]
	}
	return append(ts[:0], ts[i:]...)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
