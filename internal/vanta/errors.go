// ABOUTME: Error types returned by the Vanta API client.
// ABOUTME: Separates authentication failures from non-success page responses.

package vanta

import (
	"errors"
	"fmt"
)

// ErrAuthentication marks a failed client-credentials exchange.
var ErrAuthentication = errors.New("authentication failed")

var errMissingCredentials = errors.New("client id and secret are required")

// AuthError wraps the underlying cause of a failed token exchange.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", ErrAuthentication, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthentication) match any AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthentication
}

// StatusError is a page response with a non-success status other than 429.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}
