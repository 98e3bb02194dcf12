package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnknownType is returned for an unsupported backend name.
	ErrUnknownType = errors.New("storage: unknown backend type")

	// ErrUnavailable is returned when a backend cannot be reached.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrInvalidConfig is returned when backend configuration is incomplete.
	ErrInvalidConfig = errors.New("storage: invalid configuration")
)
