package realtime

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type BackoffKind uint8

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
)

func ParseBackoffKind(s string) (BackoffKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return BackoffFixed, nil
	case "exponential":
		return BackoffExponential, nil
	}
	return BackoffFixed, fmt.Errorf("unknown backoff %q", s)
}

// Backoff computes the wait before retry number n (1-based).
type Backoff struct {
	Kind          BackoffKind
	Delay         time.Duration
	MaxDelay      time.Duration
	JitterPercent int
}

const (
	DefaultRetryDelay = 2 * time.Second
	DefaultMaxDelay   = 60 * time.Second
)

func (b Backoff) Wait(n int) time.Duration {
	base := b.Delay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	capd := b.MaxDelay
	if capd <= 0 {
		capd = DefaultMaxDelay
	}
	if b.Kind == BackoffExponential {
		for i := 1; i < n && base < capd; i++ {
			base *= 2
		}
	}
	if base > capd {
		base = capd
	}
	if b.JitterPercent <= 0 {
		return base
	}
	return JitteredDelay(base, capd, b.JitterPercent)
}

// JitteredDelay spreads base by ±jitterPct percent, never above cap.
func JitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}
