// Package retry holds the backoff policy used when a request to the BMC
// fails at the transport level.
package retry

import (
	"errors"
	"math"
	"time"
)

// Policy defines retry behavior for transport-level failures.
type Policy struct {
	// MaxAttempts is the number of attempts before giving up (0 = try once).
	MaxAttempts int
	// BaseDelay is the delay multiplier applied to the attempt number.
	BaseDelay time.Duration
}

// DefaultPolicy returns the retry policy used for BMC requests. BMCs reboot
// their web service during firmware flashes, so the attempt count is generous.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   3 * time.Second,
	}
}

// Delay calculates the wait before the given attempt:
// BaseDelay × attempt^1.5, truncated to whole seconds. The curve grows
// faster than linear but slower than exponential, which suits a BMC that
// is busy rather than gone.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	secs := int64(p.BaseDelay.Seconds() * math.Pow(float64(attempt), 1.5))

	return time.Duration(secs) * time.Second
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Validate checks if the retry policy configuration is valid.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("MaxAttempts must be non-negative")
	}
	if p.BaseDelay < 0 {
		return errors.New("BaseDelay must be non-negative")
	}

	return nil
}
