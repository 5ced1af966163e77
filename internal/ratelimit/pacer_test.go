package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestPacer() *TokenPacer {
	return NewTokenPacer(map[string]map[int]Rate{
		"/v1/chat/completions": {
			0: {Count: 50, Period: time.Second},
			2: {Count: 100, Period: time.Second},
		},
	})
}

func TestPacerInterval(t *testing.T) {
	p := newTestPacer()

	if got := p.Interval("/v1/chat/completions", 0); got != 20*time.Millisecond {
		t.Fatalf("level 0 interval = %s, want 20ms", got)
	}
	if got := p.Interval("/v1/chat/completions", 2); got != 10*time.Millisecond {
		t.Fatalf("level 2 interval = %s, want 10ms", got)
	}
	// Levels without an entry use the route's level-0 interval.
	if got := p.Interval("/v1/chat/completions", 5); got != 20*time.Millisecond {
		t.Fatalf("unconfigured level interval = %s, want 20ms", got)
	}
	if got := p.Interval("/v1/embeddings", 0); got != 0 {
		t.Fatalf("unconfigured route interval = %s, want 0", got)
	}
}

func TestNilPacerIsUnpaced(t *testing.T) {
	var p *TokenPacer
	if got := p.Interval("/v1/chat/completions", 0); got != 0 {
		t.Fatalf("nil pacer interval = %s, want 0", got)
	}
	g := p.Gate("/v1/chat/completions", 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("unpaced gate slept %s", elapsed)
	}
}

func TestGatePacesEmission(t *testing.T) {
	g := &Gate{interval: 20 * time.Millisecond}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// The first chunk is immediate; the remaining four each wait out the
	// interval.
	if elapsed := time.Since(start); elapsed < 4*20*time.Millisecond {
		t.Fatalf("5 chunks took %s, want >= 80ms", elapsed)
	}
}

func TestGateWaitHonorsCancellation(t *testing.T) {
	g := &Gate{interval: time.Minute}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait = %v, want context.DeadlineExceeded", err)
	}
}
