package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamStalled is returned when no stream chunk arrives within the idle
// timeout.
var ErrStreamStalled = errors.New("stream stalled")

// StatusError is an HTTP error response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// UserMessage is a short message suitable for a notification.
func (e *StatusError) UserMessage() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return "Authentication failed. Please check your API key in the HAPA settings."
	case e.StatusCode == http.StatusTooManyRequests:
		return "Rate limit reached. Please wait a moment and try again."
	case e.StatusCode >= 500:
		return "The HAPA backend is having trouble. Please try again later."
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return "The request was rejected by the backend."
	}
	return fmt.Sprintf("Request failed with status %d.", e.StatusCode)
}

// NetworkError wraps a transport failure such as a refused connection, DNS
// failure or timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed call is worth repeating later:
// network failures, stalled streams, rate limiting and server errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrStreamStalled) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout
	}
	return false
}

// UserMessage maps any client error to a message for the user.
func UserMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	var ne *NetworkError
	if errors.As(err, &ne) || errors.Is(err, ErrStreamStalled) {
		return "Unable to reach the HAPA backend. Requests will be queued until the connection returns."
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
