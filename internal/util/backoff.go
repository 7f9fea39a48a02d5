package util

import (
	"math"
	"time"
)

// DefaultMaxBackoffSeconds caps the backoff CalculateConnectionRetryBackoff
// returns.
const DefaultMaxBackoffSeconds = 60 * time.Second

// ConnectionRetryBackoffMultiplier scales the linear backoff computed by
// CalculateConnectionRetryBackoff.
const ConnectionRetryBackoffMultiplier = 2

// CalculateExponentialBackoff computes exponential backoff with optional jitter.
// Formula: baseDelay * 2^(attempt-1), capped at maxDelay.
func CalculateExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(baseDelay) * math.Pow(2, float64(attempt-1))

	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	if jitterPercent > 0 {
		// Time-based pseudo-random avoids import of math/rand
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitter := backoff * jitterPercent * (pseudoRandom - 0.5)
		backoff += jitter
	}

	return time.Duration(backoff)
}

// CalculateConnectionRetryBackoff computes a linear backoff from a count of
// consecutive connection failures: consecutiveFailures *
// ConnectionRetryBackoffMultiplier seconds, capped at DefaultMaxBackoffSeconds.
func CalculateConnectionRetryBackoff(consecutiveFailures int) time.Duration {
	backoffDuration := time.Duration(consecutiveFailures*ConnectionRetryBackoffMultiplier) * time.Second
	if backoffDuration > DefaultMaxBackoffSeconds {
		backoffDuration = DefaultMaxBackoffSeconds
	}
	return backoffDuration
}
