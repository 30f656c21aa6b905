// Package limiter provides per-key sliding-window counters for the
// incoming (per-author) and outgoing (per-target) reply budgets.
package limiter

import (
	"strings"
	"sync"
	"time"
)

// Window is the rolling interval both budgets are counted over
const Window = time.Hour

// SlidingWindow counts events per key over a rolling interval. Keys on
// the whitelist bypass the budget entirely. State is process-local; a
// restart resets all windows.
type SlidingWindow struct {
	mu        sync.Mutex
	capacity  int
	window    time.Duration
	hits      map[string][]time.Time
	whitelist map[string]struct{}

	now func() time.Time
}

// New creates a limiter with the given per-key capacity over Window
func New(capacity int) *SlidingWindow {
	return &SlidingWindow{
		capacity: capacity,
		window:   Window,
		hits:     make(map[string][]time.Time),
		now:      time.Now,
	}
}

// NewWithWhitelist creates a limiter whose whitelisted handles are
// always allowed. Handles are normalized (lowercased, no @).
func NewWithWhitelist(capacity int, handles []string) *SlidingWindow {
	l := New(capacity)
	l.whitelist = make(map[string]struct{}, len(handles))
	for _, h := range handles {
		h = normalize(h)
		if h != "" {
			l.whitelist[h] = struct{}{}
		}
	}
	return l
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "@"))
}

// Allow records one event for key if the budget permits. Whitelisted
// keys pass without consuming budget.
func (l *SlidingWindow) Allow(key string) bool {
	key = normalize(key)

	if _, ok := l.whitelist[key]; ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.capacity {
		l.hits[key] = recent
		return false
	}

	l.hits[key] = append(recent, now)
	return true
}

// Whitelisted reports whether key bypasses the budget
func (l *SlidingWindow) Whitelisted(key string) bool {
	_, ok := l.whitelist[normalize(key)]
	return ok
}

// Usage returns how much of the window budget key has consumed
func (l *SlidingWindow) Usage(key string) int {
	key = normalize(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
