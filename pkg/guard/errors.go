package guard

import "errors"

var (
	// ErrUnauthenticated marks guarded operations called without a user
	// identity.
	ErrUnauthenticated = errors.New("no authenticated user")

	// ErrValidation marks requests rejected before any registry access,
	// e.g. a missing tab id on close or heartbeat.
	ErrValidation = errors.New("invalid request")

	// ErrStoreUnavailable wraps failures of the underlying session or
	// cache backend.
	ErrStoreUnavailable = errors.New("tab store unavailable")
)
