package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AuthExchangeError means Strava rejected an authorization code (expired,
// already used, or issued for another redirect). The user has to authorize
// again; retrying the same code never succeeds.
type AuthExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("strava exchange error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("strava exchange error: %v", e.Err)
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// RefreshError means the refresh token was rejected or revoked. The session
// must go back through full authorization.
type RefreshError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("strava refresh error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("strava refresh error: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// ProviderError is a transport or API failure talking to Strava.
type ProviderError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("strava error %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("strava request failed: %v", e.Err)
	default:
		return "strava request failed"
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Unauthorized reports a 401, i.e. the access token is no longer accepted.
func (e *ProviderError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Retryable reports whether repeating the request may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case 0:
	default:
		return false
	}
	if e.Err == nil || errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, ErrCircuitOpen) {
		return false
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(e.Err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ErrCircuitOpen is returned while the client's breaker refuses requests.
var ErrCircuitOpen = errors.New("strava circuit open")

func IsUnauthorized(err error) bool {
	var apiErr *ProviderError
	if errors.As(err, &apiErr) {
		return apiErr.Unauthorized()
	}
	return false
}

func IsRateLimited(err error) bool {
	var apiErr *ProviderError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// RateLimitBackoff returns the server supplied Retry-After, if any.
func RateLimitBackoff(err error) (time.Duration, bool) {
	var apiErr *ProviderError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
