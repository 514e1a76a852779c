package roomsync

import "time"

// Reconnect policy defaults. One second doubling up to thirty seconds,
// giving up after five attempts: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Backoff computes reconnect delays from an attempt count. It is a pure
// value: the zero value normalizes to the defaults above.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n (n starts at 0):
// min(Base * 2^n, Cap).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	if n < 0 {
		n = 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Retryable reports whether another automatic reconnect may be scheduled
// after n prior attempts. Once it returns false the caller must surface a
// manual-reconnect-required error instead of scheduling a timer.
func (b Backoff) Retryable(n int) bool {
	return n < b.normalized().MaxAttempts
}
