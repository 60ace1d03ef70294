package poller

import "time"

// Backoff computes the retry delay after consecutive refresh failures for
// one game. The delay doubles from Base on every failure, strictly
// increasing until it reaches Ceiling, then plateaus. A success resets the
// failure count, so the next failure starts from Base again.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures. Zero failures means no delay beyond the regular
// poll interval.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 62 {
		return b.Ceiling
	}
	d := b.Base << (failures - 1)
	if d <= 0 || d > b.Ceiling {
		return b.Ceiling
	}
	return d
}
