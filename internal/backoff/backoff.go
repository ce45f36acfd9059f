// Package backoff provides the exponential retry schedule used by
// pkg/client's ask_mesh retry-on-NotFound loop (spec.md §4.13).
package backoff

import "time"

// Strategy tracks a growing delay between retries, capped at a maximum.
// Grounded on mcastellin-golang-mastery/distributed-queue's
// pkg/wait.BackoffStrategy: same base/factor/cap shape, generalized to a
// doubling (factor 2) schedule for ask_mesh's 100ms-to-5s ladder.
type Strategy struct {
	base     time.Duration
	factor   float64
	cap      time.Duration
	duration time.Duration
}

// New returns a strategy that starts at base and doubles (times factor)
// each call to Next, never exceeding cap.
func New(base time.Duration, factor float64, cap time.Duration) *Strategy {
	return &Strategy{base: base, factor: factor, cap: cap}
}

// Next advances the strategy and returns the delay to wait before the next
// attempt.
func (s *Strategy) Next() time.Duration {
	if s.duration == 0 {
		s.duration = s.base
	} else {
		s.duration = time.Duration(float64(s.duration) * s.factor)
	}
	if s.duration > s.cap {
		s.duration = s.cap
	}
	return s.duration
}
