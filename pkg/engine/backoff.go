package engine

import "time"

// retryBaseDelay is the wait before the first retry; each further retry
// quadruples it (15m, 1h, 4h).
const retryBaseDelay = 15 * time.Minute

// retryBackoff returns how long to wait before the attempt following
// retryCount prior retries.
func retryBackoff(retryCount int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 4
	}

	return delay
}
