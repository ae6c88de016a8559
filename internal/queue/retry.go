package queue

import (
	"math/rand/v2"
	"time"
)

const (
	// MaxAttempts is the total number of delivery attempts for retryable
	// failures. The attempt that exhausts the budget marks the run FAILED
	// with MAX_RETRIES_EXCEEDED.
	MaxAttempts = 3

	// baseBackoff is the delay before the first retry, doubled per attempt.
	baseBackoff = 5 * time.Second

	// maxBackoff caps the exponential growth at 10 minutes.
	maxBackoff = 600 * time.Second
)

// Backoff returns the delay before re-enqueueing attempt n (0-based count of
// completed attempts): exponential growth capped at maxBackoff, with a
// randomized jitter in the upper half to spread retry storms.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := baseBackoff << uint(attempt)
	if delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}

	half := delay / 2

	return half + time.Duration(rand.Int64N(int64(half)+1))
}
