package engine

import "time"

// Backoff doubles the wait per attempt, starting at Base and capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used between conflicting attempts of one operation.
var DefaultBackoff = Backoff{Base: 10 * time.Millisecond, Max: 500 * time.Millisecond}

// Delay returns the wait before retry number attempt (1-based):
// Base, 2*Base, 4*Base ... capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
