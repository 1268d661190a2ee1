package chat

import "errors"

var (
	// ErrUnauthenticated is returned when a connection presents no valid
	// credential. Nothing is admitted to the registry.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden covers both "not a participant" and "no such conversation"
	// so callers cannot learn whether it exists.
	ErrForbidden = errors.New("conversation not available")

	// ErrTransient wraps shared-store, relay and durable-store failures that
	// outlived their retries.
	ErrTransient = errors.New("temporarily unavailable")

	// ErrMalformed marks payloads that are missing fields or fail validation.
	ErrMalformed = errors.New("malformed payload")

	// ErrRateLimited is returned when a connection exceeds its event budget.
	ErrRateLimited = errors.New("rate limited")
)

// Code maps an error to the code sent to clients in an error event.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrMalformed):
		return "invalid_message"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "unavailable"
	}
}

// PublicMessage returns the client-facing text for an error. Internal
// details never leave the process.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case errors.Is(err, ErrMalformed):
		return err.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case errors.Is(err, ErrUnauthenticated):
		return ErrUnauthenticated.Error()
	default:
		return ErrTransient.Error()
	}
}
