package transport

import (
	"fmt"
	"net/http"

	"github.com/and161185/atelier/internal/errs"
)

// StatusError is a non-2xx backend answer that the refresh lifecycle did not consume.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend status %d", e.Code)
	}
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Message)
}

// Unwrap exposes the taxonomy sentinel for statuses that have one.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code >= 500:
		return errs.ErrBackendUnreachable
	case e.Code == http.StatusTooManyRequests:
		return errs.ErrRateLimited
	}
	return nil
}
