package api

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limited by API")
	ErrUnauthorized = errors.New("authentication failed")
	ErrForbidden    = errors.New("access to channel denied")
)

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}
