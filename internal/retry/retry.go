// Package retry provides the retry policy shared by the offline queue
// drain and the edit-sync manager. A Policy is a plain value describing
// attempt limits and backoff shape; callers own their own timers.
package retry

import "time"

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the attempt ceiling. Zero means unlimited.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier int

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// EditSync is the policy for background edit synchronization:
// 2s doubling to a 120s cap, at most 10 attempts per edit.
var EditSync = Policy{
	MaxAttempts: 10,
	BaseDelay:   2 * time.Second,
	Multiplier:  2,
	MaxDelay:    120 * time.Second,
}

// QueueDrain is the policy for re-draining the offline queue after a
// partial failure while the connection stays up. Unlimited attempts:
// queued messages are never abandoned.
var QueueDrain = Policy{
	MaxAttempts: 0,
	BaseDelay:   5 * time.Second,
	Multiplier:  2,
	MaxDelay:    5 * time.Minute,
}

// Delay returns the backoff before retry attempt n (1-based):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= time.Duration(p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

// Exhausted reports whether attempts has reached the policy's ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
