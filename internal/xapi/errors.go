package xapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrUserNotFound reports a user lookup that returned 404 or a
// suspended/invalid account marker. Terminal for the mention.
var ErrUserNotFound = errors.New("user not found")

// RateLimitedError reports an HTTP 429 from the API. The client has
// already slept until reset+5s before returning it; the caller decides
// whether to retry.
type RateLimitedError struct {
	Endpoint string
	Reset    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s (resets %s)", e.Endpoint, e.Reset.UTC().Format(time.RFC3339))
}

// ClientError reports a 4xx response other than 429. Not retried.
type ClientError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error on %s: status=%d body=%s", e.Endpoint, e.StatusCode, e.Body)
}

// ServerError reports a 5xx that survived the retry budget
type ServerError struct {
	Endpoint   string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error on %s: status=%d", e.Endpoint, e.StatusCode)
}

// IsRateLimited reports whether err is a RateLimitedError
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
