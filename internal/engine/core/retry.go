package core

import (
	"math/rand"
	"time"
)

// BackoffPolicy governs the step retry schedule (spec §4.6 / §8 S2):
// backoff = min(InitialMs * 2^(attempt-1), MaxMs) * (1 +/- Jitter).
type BackoffPolicy struct {
	InitialMs int
	MaxMs     int
	Jitter    float64 // fraction, e.g. 0.1 for +/-10%
}

// DefaultBackoffPolicy matches the spec's BACKOFF_BASE_MS/BACKOFF_MAX_MS/
// JITTER_FRACTION environment defaults.
var DefaultBackoffPolicy = BackoffPolicy{
	InitialMs: 1000,
	MaxMs:     60000,
	Jitter:    0.1,
}

// Backoff computes the delay before the given 1-indexed retry attempt,
// applying symmetric jitter via the supplied random source (pass nil to use
// the package-level source).
func (p BackoffPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialMs)
	for i := 1; i < attempt; i++ {
		base *= 2
		if int(base) > p.MaxMs {
			base = float64(p.MaxMs)
			break
		}
	}
	if base > float64(p.MaxMs) {
		base = float64(p.MaxMs)
	}
	jitter := p.Jitter
	var r float64
	if rng != nil {
		r = rng.Float64()
	} else {
		r = rand.Float64()
	}
	// map [0,1) -> [-jitter, +jitter]
	factor := 1 + (r*2-1)*jitter
	ms := base * factor
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
