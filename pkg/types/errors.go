package types

import "errors"

// Error kinds surfaced across the service boundary. Callers match with
// errors.Is; wrapped context is added at each layer with fmt.Errorf and %w.
var (
	// ErrNotFound means the referenced file record or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the request was malformed or contradictory and
	// was rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrBusy means lock contention exceeded the bounded wait.
	ErrBusy = errors.New("resource busy")

	// ErrIntegrity means a stored payload no longer matches its
	// fingerprint.
	ErrIntegrity = errors.New("content integrity check failed")

	// ErrStorageIO means the underlying disk or database failed during
	// staging, publish, or removal.
	ErrStorageIO = errors.New("storage I/O failure")
)

// Retryable reports whether the error kind is transient and worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStorageIO)
}
