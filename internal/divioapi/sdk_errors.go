package divioapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
)

var (
	ErrNoServerURL   = errors.New("api: server url missing")
	ErrNoCredentials = errors.New("api: credentials missing")
	ErrNetwork       = errors.New("api: network error")

	// status classes, matched with errors.Is against *APIError
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrRateLimited  = errors.New("api: rate limited")
	ErrServer       = errors.New("api: server error")
)

// APIError is returned for every response that is not ok (status >= 400)
type APIError struct {
	StatusCode  int                 `json:"-"`
	Code        string              `json:"code,omitempty"`
	Message     string              `json:"detail,omitempty"`
	FieldErrors map[string][]string `json:"-"`
	Operation   string              `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.FieldErrors) > 0 {
		parts := make([]string, 0, len(e.FieldErrors))
		for field, errs := range e.FieldErrors {
			parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(errs, ", ")))
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("api error: %s %d - %s", e.Operation, e.StatusCode, msg)
}

// Is maps the status code onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServer:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// NetworkError wraps transport failures: connection errors, timeouts, truncated bodies
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// IsNetworkError reports whether err is a transient transport failure worth retrying
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsAuthError reports whether err requires the user to log in again
func IsAuthError(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized)
}

// wrapTransportError classifies a request error returned by the http client
func wrapTransportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if errors.Is(err, ErrNoCredentials) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	// local file errors from building the request body are not worth retrying
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return &NetworkError{Operation: operation, Err: err}
}
