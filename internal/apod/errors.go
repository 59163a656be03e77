package apod

import (
	"errors"
	"fmt"

	"github.com/ent0n29/spaceshowcase/internal/reliability"
)

var (
	ErrMissingAPIKey = errors.New("missing NASA_API_KEY")
	// ErrRateLimited is the reliability sentinel, re-exported for callers of this package.
	ErrRateLimited = reliability.ErrRateLimited
)

// UpstreamError describes a non-2xx answer from the APOD API.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("apod status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("apod status %d: %s", e.Status, e.Message)
}

// RateLimited reports whether NASA refused the call for quota reasons.
func (e *UpstreamError) RateLimited() bool {
	return reliability.IsRateLimitStatus(e.Status) || reliability.IsRateLimitCode(e.Code)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrRateLimited && e.RateLimited()
}
