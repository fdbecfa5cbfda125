package stages

import (
	"fmt"
	"log"
	"time"
)

// retryWithBackoff retries an operation with quadratic backoff
// (500ms, 2s, 4.5s). logFn, when non-nil, receives per-attempt
// progress messages for the diagnostic trail.
func retryWithBackoff(label string, operation func() error, maxAttempts int, logFn func(label, msg string)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 && logFn != nil {
				logFn(label, fmt.Sprintf("Operation succeeded on retry %d/%d", attempt, maxAttempts))
			}
			return nil
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt < maxAttempts {
			backoffDuration := time.Duration(500*attempt*attempt) * time.Millisecond
			if logFn != nil {
				logFn(label, fmt.Sprintf("Attempt %d/%d failed: %v (retrying in %v)", attempt, maxAttempts, err, backoffDuration))
			}
			time.Sleep(backoffDuration)
		} else {
			if logFn != nil {
				logFn(label, fmt.Sprintf("All %d attempts failed: %v", maxAttempts, err))
			}
			log.Printf("WARNING: %s: all %d attempts failed: %v", label, maxAttempts, err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
