package engine

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a chunk retry: exponential with
// jitter, capped, with server hints (Retry-After) taking precedence. It is
// a pure function of attempt and hint, so tests exercise it without real
// timing.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay randomized, 0 disables

	// Rand overrides the jitter source; nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff mirrors the retry posture used for chunk downloads: half
// a second doubling up to half a minute, a quarter of it jittered.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.25,
	}
}

// Delay returns the backoff before retry number attempt (zero-based). A
// positive hint from the server is honored up to Max and bypasses the
// exponential schedule.
func (p BackoffPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if hint > 0 {
		if hint > max {
			return max
		}
		return hint
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if delay >= float64(max) {
			delay = float64(max)
			break
		}
	}
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delay *= 1 - p.Jitter/2 + p.Jitter*rnd()
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
