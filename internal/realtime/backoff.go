package realtime

import "time"

// Backoff computes the delay before reconnect attempt number attempt (zero based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Next(int) time.Duration {
	return b.Interval
}

// ExponentialBackoff doubles the delay per attempt up to Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		if delay >= b.Max || delay > b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}
