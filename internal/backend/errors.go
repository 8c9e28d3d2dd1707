package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors classifying backend request failures. Callers branch
// with errors.Is; the wrapped chain keeps the transport detail.
var (
	// ErrSessionNotFound maps HTTP 404: the session id is unknown to
	// the backend.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPermissionDenied maps HTTP 403: the backend refused the
	// operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnreachable covers connection failures and 5xx responses: the
	// backend is not usable right now.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrInvalidResponse covers undecodable bodies and status codes
	// outside the protocol.
	ErrInvalidResponse = errors.New("invalid backend response")

	// ErrTimeout indicates the per-request deadline expired.
	ErrTimeout = errors.New("backend request timed out")

	// ErrNetwork covers connection-level failures on an established
	// event stream. Recoverable: the supervisor reconnects.
	ErrNetwork = errors.New("backend network failure")

	// ErrClientUnavailable indicates a client could not be constructed
	// for the given base URL.
	ErrClientUnavailable = errors.New("backend client unavailable")
)

// classifyStatus maps an HTTP status code onto the sentinel set. 2xx
// is success.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrSessionNotFound
	case code == http.StatusForbidden:
		return ErrPermissionDenied
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, code)
	}
}

// classifyTransport maps a round-trip error onto the sentinel set.
// Context cancellation passes through untouched: it is the caller
// shutting down, not a backend failure.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
