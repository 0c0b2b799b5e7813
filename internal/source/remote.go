package source

import (
	"errors"
	"net/http"

	"github.com/zemo2003/nutrition-autopilot/internal/resilience"
	"github.com/zemo2003/nutrition-autopilot/pkg/fdc"
	"github.com/zemo2003/nutrition-autopilot/pkg/openfoodfacts"
)

// Upstream names used with the run-scoped gate.
const (
	UpstreamOpenFoodFacts = "openfoodfacts"
	UpstreamFDC           = "fdc"
)

// httpStatus extracts the HTTP status from either upstream client's error.
func httpStatus(err error) (int, bool) {
	var offErr *openfoodfacts.APIError
	if errors.As(err, &offErr) {
		return offErr.Status, true
	}
	var fdcErr *fdc.APIError
	if errors.As(err, &fdcErr) {
		return fdcErr.Status, true
	}
	return 0, false
}

// retryRemote is the retry predicate for upstream lookups. 429 is excluded:
// it trips the gate instead of burning retries against a throttled API.
func retryRemote(err error) bool {
	if status, ok := httpStatus(err); ok {
		return status != http.StatusTooManyRequests && resilience.IsTransientHTTPStatus(status)
	}
	return resilience.IsTransient(err)
}

// rateLimited reports whether the lookup died on HTTP 429.
func rateLimited(err error) bool {
	status, ok := httpStatus(err)
	return ok && status == http.StatusTooManyRequests
}
