package reliability

import (
	"errors"
	"time"
)

// ErrRateLimited marks upstream failures caused by quota or rate exhaustion.
var ErrRateLimited = errors.New("upstream rate limited")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus reports whether an upstream status means "slow down".
func IsRateLimitStatus(code int) bool {
	return code == 429
}

// IsRateLimitCode classifies upstream error codes that mean quota exhaustion.
func IsRateLimitCode(code string) bool {
	switch code {
	case "OVER_RATE_LIMIT", "rate_limit_exceeded", "rate_limited":
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err (or anything it wraps) is a rate-limit failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// FixedBackoff returns base for every attempt; negative bases clamp to zero.
func FixedBackoff(_ int, base time.Duration) time.Duration {
	if base < 0 {
		return 0
	}
	return base
}
