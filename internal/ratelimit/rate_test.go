package ratelimit

import (
	"testing"
	"time"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		expr       string
		wantCount  int
		wantPeriod time.Duration
	}{
		{"100/minute", 100, time.Minute},
		{"10/second", 10, time.Second},
		{"9/2seconds", 9, 2 * time.Second},
		{"1000/hour", 1000, time.Hour},
		{"500/day", 500, 24 * time.Hour},
		{"60/3minutes", 60, 3 * time.Minute},
	}
	for _, tc := range cases {
		r, err := ParseRate(tc.expr)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", tc.expr, err)
		}
		if r.Count != tc.wantCount || r.Period != tc.wantPeriod {
			t.Fatalf("ParseRate(%q) = %d/%s, want %d/%s",
				tc.expr, r.Count, r.Period, tc.wantCount, tc.wantPeriod)
		}
	}
}

func TestParseRateUnlimited(t *testing.T) {
	for _, expr := range []string{"", "inf"} {
		r, err := ParseRate(expr)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", expr, err)
		}
		if !r.Unlimited() {
			t.Fatalf("ParseRate(%q) should be unlimited", expr)
		}
	}
}

func TestParseRateRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"fast", "10/fortnight", "/minute", "ten/minute", "10 per minute"} {
		if _, err := ParseRate(expr); err == nil {
			t.Fatalf("ParseRate(%q) should fail", expr)
		}
	}
}

func TestRateInterval(t *testing.T) {
	r, err := ParseRate("50/second")
	if err != nil {
		t.Fatalf("ParseRate: %v", err)
	}
	if got := r.Interval(); got != 20*time.Millisecond {
		t.Fatalf("Interval = %s, want 20ms", got)
	}

	if got := (Rate{}).Interval(); got != 0 {
		t.Fatalf("unlimited Interval = %s, want 0", got)
	}
}
