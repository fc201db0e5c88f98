package mq

import "time"

// Значения RetryPolicy по умолчанию.
const (
	DefaultMinBackoff  = 10 * time.Second
	DefaultMaxBackoff  = 600 * time.Second
	DefaultAckDeadline = 600 * time.Second
)

// Backoff вычисляет задержку перед доставкой номер attempt+1
// после неудачной доставки номер attempt.
//
// delay = MinBackoff * 2^(attempt-1), не больше MaxBackoff.
func Backoff(attempt int, policy RetryPolicy) time.Duration {
	minDelay := policy.MinBackoff
	if minDelay <= 0 {
		minDelay = DefaultMinBackoff
	}

	maxDelay := policy.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	delay := minDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	return delay
}
