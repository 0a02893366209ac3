package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the chat request path. Handlers map these onto HTTP
// statuses; everything else inside a turn is recovered into tool results.
var (
	// ErrValidation rejects malformed requests before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrProviderUnavailable means upstream tool-router negotiation failed.
	// No session may be created once this is returned.
	ErrProviderUnavailable = errors.New("tool provider unavailable")

	// ErrModelCall means the generation call itself failed. Turn-fatal: the
	// stream terminates with an error frame but partial state is persisted.
	ErrModelCall = errors.New("model call failed")

	// ErrPersistence means a store write failed. Fatal to the request and
	// never swallowed, to keep memory and durable state in sync.
	ErrPersistence = errors.New("persistence failed")
)

// Validationf wraps ErrValidation with a human-readable message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
