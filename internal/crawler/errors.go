package crawler

import "fmt"

// HTTPError reports a non-success status returned by a fetch. The status
// code drives retry classification: 429 and most 5xx responses are worth
// another attempt, everything else is terminal for the unit.
type HTTPError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d fetching %s", e.StatusCode, e.URL)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
