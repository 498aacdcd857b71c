package completion

import (
	"errors"
	"fmt"
)

// Sentinel failures reported by a completion adapter. Anything not wrapped
// in one of these (or in a StatusError) is an unexpected failure.
var (
	ErrRateLimited      = errors.New("completion rate limited")
	ErrConnectionFailed = errors.New("completion connection failed")
)

// StatusError reports a non-success HTTP status from the completion API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion api status %d", e.Code)
	}
	return fmt.Sprintf("completion api status %d: %s", e.Code, e.Body)
}
