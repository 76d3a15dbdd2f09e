package usecase

import "time"

// RetryPolicy bounds how often a failed batch is retried.
type RetryPolicy struct {
	MaxAttempts int
	Cooldown    time.Duration
	OnRetry     func(attempt int, err error, backoff time.Duration)
}

// Next returns the delay before retrying after the given failed attempt, or
// false once the attempt budget is spent.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return Backoff(p.Cooldown, attempt), true
}

// Backoff doubles base for every attempt after the first.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<(attempt-1))
}
