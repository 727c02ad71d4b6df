// Package backoff implements bounded exponential retry state: attempt
// count and next-eligible delay, with an explicit exhaustion threshold.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned once the attempt budget is spent. Callers feed
// this directly into their failed transition.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Initial <= 0 {
		return fmt.Errorf("initial delay must be positive, got %v", p.Initial)
	}
	if p.Max < p.Initial {
		return fmt.Errorf("max delay %v must not be below initial delay %v", p.Max, p.Initial)
	}
	return nil
}

// State tracks retry progress for one operation. Not safe for concurrent
// use; each retrying component owns its own state.
type State struct {
	policy   Policy
	attempts int
}

// New creates retry state for the given policy.
func New(policy Policy) *State {
	return &State{policy: policy}
}

// Attempts returns the number of delays handed out since the last reset.
func (s *State) Attempts() int {
	return s.attempts
}

// Next returns the delay to wait before the next attempt, or ErrExhausted
// once MaxAttempts delays have been handed out.
func (s *State) Next() (time.Duration, error) {
	if s.attempts >= s.policy.MaxAttempts {
		return 0, ErrExhausted
	}

	delay := s.policy.Initial << uint(s.attempts)
	if delay > s.policy.Max || delay <= 0 {
		delay = s.policy.Max
	}
	s.attempts++

	return delay, nil
}

// Wait sleeps for the next delay, honoring context cancellation.
func (s *State) Wait(ctx context.Context) error {
	delay, err := s.Next()
	if err != nil {
		return err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the attempt count after a success.
func (s *State) Reset() {
	s.attempts = 0
}
