package ratelimit

import (
	"context"
	"time"
)

// TokenPacer derives minimum inter-chunk intervals from per-route, per-level
// token-rate expressions and hands out per-stream Gates that enforce them.
//
// Pacing never errors and never speeds up a slow upstream; it only delays
// chunks that arrive faster than the configured emission rate.
type TokenPacer struct {
	intervals map[string]map[int]time.Duration
}

// NewTokenPacer builds a TokenPacer. perRoute maps route path -> level ->
// parsed token rate; the interval for each entry is Period/Count.
func NewTokenPacer(perRoute map[string]map[int]Rate) *TokenPacer {
	p := &TokenPacer{intervals: make(map[string]map[int]time.Duration, len(perRoute))}
	for route, levels := range perRoute {
		m := make(map[int]time.Duration, len(levels))
		for level, r := range levels {
			m[level] = r.Interval()
		}
		p.intervals[route] = m
	}
	return p
}

// Interval returns the configured minimum inter-chunk interval for the route
// path and level, or 0 when unpaced. A nil *TokenPacer is always unpaced.
func (p *TokenPacer) Interval(routePath string, level int) time.Duration {
	if p == nil {
		return 0
	}
	levels, ok := p.intervals[routePath]
	if !ok {
		return 0
	}
	if iv, ok := levels[level]; ok {
		return iv
	}
	// Fall back to the route's level-0 entry when the caller's level has no
	// explicit configuration.
	return levels[0]
}

// Gate returns a per-stream gate for the route path and level. Each stream
// gets its own gate; gates are not safe for concurrent use and are not meant
// to be: one goroutine drives one stream.
func (p *TokenPacer) Gate(routePath string, level int) *Gate {
	return &Gate{interval: p.Interval(routePath, level)}
}

// Gate paces the emission of one stream's chunks. Before yielding each chunk
// the caller invokes Wait, which sleeps for whatever remains of the interval
// since the previous yield.
type Gate struct {
	interval time.Duration
	last     time.Time
}

// Wait blocks until the chunk may be emitted, or until ctx is cancelled.
// A zero interval returns immediately.
func (g *Gate) Wait(ctx context.Context) error {
	if g.interval <= 0 {
		return nil
	}

	now := time.Now()
	if !g.last.IsZero() {
		if delay := g.interval - now.Sub(g.last); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	g.last = time.Now()
	return nil
}
