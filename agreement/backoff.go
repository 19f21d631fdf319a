package agreement

import "time"

// backoff doubles the retry interval from min up to max.
type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, next: min}
}

// Next returns the interval to wait before the next attempt.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.next < b.max {
		b.next *= 2
		if b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// Reset starts over from min after a successful attempt.
func (b *backoff) Reset() {
	b.next = b.min
}
