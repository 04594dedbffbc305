package transport

import "time"

// backoff produces capped exponential reconnect delays: base, 2·base,
// 4·base … up to max. Not thread-safe; owned by the reconnect goroutine.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &backoff{base: base, max: max}
}

// next returns the delay before the following attempt.
func (b *backoff) next() time.Duration {
	d := b.base << uint(b.attempt)
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	return d
}

// reset restores the initial delay after a successful connection.
func (b *backoff) reset() {
	b.attempt = 0
}
