// Package ratelimit implements the gateway's two throttling mechanisms:
// a windowed request-count limiter keyed by route and credential, and a
// token pacer that spaces out streamed chunk emission.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rate is a parsed "count/period" expression, e.g. "100/minute" or
// "60/2minutes". The zero Rate (Count == 0) means unlimited.
type Rate struct {
	// Count is the number of permitted events per window. 0 = unlimited.
	Count int

	// Period is the window length (granularity × multiple).
	Period time.Duration
}

// Unlimited reports whether the rate imposes no bound.
func (r Rate) Unlimited() bool { return r.Count <= 0 }

// Interval returns the implied minimum spacing between events
// (Period / Count). Zero for unlimited rates.
func (r Rate) Interval() time.Duration {
	if r.Unlimited() {
		return 0
	}
	return r.Period / time.Duration(r.Count)
}

func (r Rate) String() string {
	if r.Unlimited() {
		return "inf"
	}
	return fmt.Sprintf("%d/%s", r.Count, r.Period)
}

var granularities = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseRate parses a rate expression of the form "count/period" where period
// is an optional multiple followed by a granularity name, singular or plural:
//
//	"100/minute"  → 100 events per minute
//	"9/2seconds"  → 9 events per 2 seconds
//	"1000/hour"   → 1000 events per hour
//	"inf" or ""   → unlimited
func ParseRate(expr string) (Rate, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" || expr == "inf" {
		return Rate{}, nil
	}

	countStr, periodStr, ok := strings.Cut(expr, "/")
	if !ok {
		return Rate{}, fmt.Errorf("ratelimit: invalid rate %q: missing '/'", expr)
	}

	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count < 1 {
		return Rate{}, fmt.Errorf("ratelimit: invalid rate %q: count must be a positive integer", expr)
	}

	periodStr = strings.TrimSpace(periodStr)
	multiple := 1
	i := 0
	for i < len(periodStr) && periodStr[i] >= '0' && periodStr[i] <= '9' {
		i++
	}
	if i > 0 {
		multiple, err = strconv.Atoi(periodStr[:i])
		if err != nil || multiple < 1 {
			return Rate{}, fmt.Errorf("ratelimit: invalid rate %q: bad period multiple", expr)
		}
	}

	name := strings.TrimSuffix(periodStr[i:], "s")
	granularity, ok := granularities[name]
	if !ok {
		return Rate{}, fmt.Errorf("ratelimit: invalid rate %q: unknown period %q", expr, periodStr[i:])
	}

	return Rate{Count: count, Period: time.Duration(multiple) * granularity}, nil
}
