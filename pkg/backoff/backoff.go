package backoff

import "time"

// Exponential doubles the delay per attempt, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (b Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 1<<attempt overflows past 62; everything that high is capped anyway.
	if attempt > 32 {
		attempt = 32
	}
	d := b.Base * time.Duration(1<<attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
