package backup

import (
	"errors"
	"fmt"
)

// AuthError reports rejected credentials or a missing session token.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports a transient connectivity failure (refused, reset,
// timeout, gateway errors).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError reports a reachable backend that rejected the request or
// returned a malformed response.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("backend: %s: %v", e.Op, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the fetch error taxonomy.
// Anything else (nil dereference, bad configuration) is a programmer error
// and must not be retried.
func IsRetryable(err error) bool {
	var authErr *AuthError
	var netErr *NetworkError
	var backendErr *BackendError
	return errors.As(err, &authErr) || errors.As(err, &netErr) || errors.As(err, &backendErr)
}

// Kind returns a short label for the error class, used in history records.
func Kind(err error) string {
	var authErr *AuthError
	var netErr *NetworkError
	var backendErr *BackendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &backendErr):
		return "backend"
	default:
		return "internal"
	}
}
