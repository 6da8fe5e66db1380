package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrCatalogUnavailable covers network failures and unexpected
	// catalog responses. Never fatal; the next scheduled check retries.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrVersionNotFound is returned when a pinned version does not
	// exist or a release carries no matching firmware asset.
	ErrVersionNotFound = errors.New("version not found")
)

// RateLimitedError is returned when the catalog rejects the request
// with a rate-limit response. No further call is made for the source
// before Until.
type RateLimitedError struct {
	Until time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Until.Format(time.RFC3339))
}

// IsRateLimited reports whether err is a rate-limit error
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
