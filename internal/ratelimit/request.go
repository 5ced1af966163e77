package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter is one windowed-counter strategy. Allow records an event against
// key and reports whether it fits within limit.
type Counter interface {
	Allow(ctx context.Context, key string, limit Rate) bool
}

// RequestLimiter enforces per-route, per-level request-count budgets.
//
// The limit for a request is resolved by longest matching route prefix and
// the caller's access level; routes without an entry fall back to the global
// default. Resolution tables are immutable after construction; only the
// Counter holds mutable state.
type RequestLimiter struct {
	counter Counter
	global  Rate
	routes  []routeLimits
}

type routeLimits struct {
	route  string
	levels map[int]Rate
}

// NewRequestLimiter builds a RequestLimiter over the given counter strategy.
// perRoute maps route path -> level -> parsed rate.
func NewRequestLimiter(counter Counter, global Rate, perRoute map[string]map[int]Rate) *RequestLimiter {
	l := &RequestLimiter{counter: counter, global: global}
	for route, levels := range perRoute {
		l.routes = append(l.routes, routeLimits{route: route, levels: levels})
	}
	return l
}

// Resolve returns the rate budget for the given route path and access level.
func (l *RequestLimiter) Resolve(routePath string, level int) Rate {
	for _, rl := range l.routes {
		if routePath == rl.route {
			if r, ok := rl.levels[level]; ok {
				return r
			}
			break
		}
	}
	return l.global
}

// Allow records one request for (routePath, credential) at the given level
// and reports whether it is within budget. Unlimited budgets never consult
// the counter.
func (l *RequestLimiter) Allow(ctx context.Context, routePath, credential string, level int) bool {
	limit := l.Resolve(routePath, level)
	if limit.Unlimited() {
		return true
	}
	key := routePath + "," + credential
	return l.counter.Allow(ctx, key, limit)
}

// ── In-memory strategies ─────────────────────────────────────────────────────

// FixedWindow counts events in aligned windows of the limit's period. The
// count resets at each window boundary, which admits short bursts across a
// boundary but costs O(1) memory per key.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*fixedWindowState

	// now is overridable in tests.
	now func() time.Time
}

type fixedWindowState struct {
	start time.Time
	count int
}

// NewFixedWindow creates an empty fixed-window counter.
func NewFixedWindow() *FixedWindow {
	return &FixedWindow{
		windows: make(map[string]*fixedWindowState),
		now:     time.Now,
	}
}

func (w *FixedWindow) Allow(_ context.Context, key string, limit Rate) bool {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.windows[key]
	if st == nil || now.Sub(st.start) >= limit.Period {
		w.windows[key] = &fixedWindowState{start: now, count: 1}
		return true
	}
	if st.count >= limit.Count {
		return false
	}
	st.count++
	return true
}

// MovingWindow keeps per-key event timestamps and counts only the events
// inside the trailing period. Exact, at O(limit) memory per active key.
type MovingWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time

	now func() time.Time
}

// NewMovingWindow creates an empty moving-window counter.
func NewMovingWindow() *MovingWindow {
	return &MovingWindow{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (w *MovingWindow) Allow(_ context.Context, key string, limit Rate) bool {
	now := w.now()
	cutoff := now.Add(-limit.Period)

	w.mu.Lock()
	defer w.mu.Unlock()

	evs := w.events[key]
	// Drop expired entries in place.
	keep := evs[:0]
	for _, t := range evs {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}

	if len(keep) >= limit.Count {
		w.events[key] = keep
		return false
	}

	w.events[key] = append(keep, now)
	return true
}
