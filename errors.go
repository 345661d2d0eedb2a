package tokenrefresh

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by manager operations. Wrapped values remain
// matchable with errors.Is.
var (
	// ErrSessionNotFound is returned when an operation targets a session id
	// with no managed token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptySessionID is returned when a caller supplies an empty session id.
	ErrEmptySessionID = errors.New("session id must not be empty")

	// ErrMissingAccessToken is returned when a token response lacks an
	// access token.
	ErrMissingAccessToken = errors.New("token response has no access token")

	// ErrMissingRefreshToken is returned when a token response lacks a
	// refresh token where one is required.
	ErrMissingRefreshToken = errors.New("token response has no refresh token")

	// ErrNoUsableExpiry is returned when neither expires_in nor a parseable
	// exp claim yields a future expiry for the access token.
	ErrNoUsableExpiry = errors.New("token response has no usable expiry")

	// ErrRefreshTokenExpired is returned when a refresh is requested for a
	// session whose refresh token has passed its own expiry. The session is
	// evicted; the condition is never retried.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrManagerDisposed is returned by operations invoked after Dispose.
	ErrManagerDisposed = errors.New("token lifecycle manager is disposed")

	// ErrManagerNotCreated is returned by GetTokenRefreshManager before
	// CreateTokenRefreshManager has run.
	ErrManagerNotCreated = errors.New("token refresh manager has not been created")
)

// RefreshError reports the terminal failure of a refresh cycle after all
// attempts were exhausted. Cause holds the last exchanger error.
type RefreshError struct {
	SessionID string
	Attempts  int
	Cause     error
}

func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("refresh failed for session %s after %d attempts: %v", e.SessionID, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("refresh failed for session %s after %d attempts", e.SessionID, e.Attempts)
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// HTTPError reports a non-success response from the token endpoint. The body
// is truncated to keep log lines bounded.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("token endpoint returned HTTP %d: %s", e.StatusCode, e.Message)
}
