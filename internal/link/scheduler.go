package link

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	minReconnectDelay = time.Second
	jitterFactor      = 0.25
)

// Scheduler computes reconnect delays: min(base * 2^n, cap) for attempt
// n, jittered by ±25% and floored at one second. It gives up after
// maxAttempts until Reset.
type Scheduler struct {
	b           *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

// NewScheduler creates a scheduler. maxAttempts <= 0 never gives up.
func NewScheduler(base, maxDelay time.Duration, maxAttempts int) *Scheduler {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = jitterFactor
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return &Scheduler{b: b, maxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and advances the
// counter. ok is false once the attempt budget is spent.
func (s *Scheduler) Next() (delay time.Duration, ok bool) {
	if s.maxAttempts > 0 && s.attempt >= s.maxAttempts {
		return 0, false
	}

	delay = s.b.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}

	s.attempt++

	return max(delay, minReconnectDelay), true
}

// Reset returns the scheduler to attempt zero.
func (s *Scheduler) Reset() {
	s.attempt = 0
	s.b.Reset()
}

// Attempt is the number of delays handed out since the last Reset.
func (s *Scheduler) Attempt() int {
	return s.attempt
}

// Exhausted reports whether Next would refuse.
func (s *Scheduler) Exhausted() bool {
	return s.maxAttempts > 0 && s.attempt >= s.maxAttempts
}
