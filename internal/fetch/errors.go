package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindThrottled   Kind = "throttled"
	KindServerError Kind = "server_error"
	KindMalformed   Kind = "malformed_response"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindThrottled, KindServerError:
		return true
	default:
		return false
	}
}

var (
	ErrTransport         = errors.New("transport failure")
	ErrThrottled         = errors.New("throttled by provider")
	ErrServerError       = errors.New("provider error response")
	ErrMalformedResponse = errors.New("malformed response")

	ErrInvalidRequest = errors.New("invalid fetch request")
)

// FetchError is the final error of a Fetch after retries were exhausted or a
// fatal outcome was seen.
type FetchError struct {
	Provider string
	Kind     Kind
	Attempts int
	// Status is the last HTTP status (0 for transport failures).
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.Provider, e.Kind, e.Attempts)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the per-kind sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrThrottled:
		return e.Kind == KindThrottled
	case ErrServerError:
		return e.Kind == KindServerError
	case ErrMalformedResponse:
		return e.Kind == KindMalformed
	}
	return false
}

// KindOf extracts the failure kind from err, if it is a FetchError.
func KindOf(err error) (Kind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
