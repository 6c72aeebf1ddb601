package storage

import "errors"

// Error taxonomy mirrors infrastructure/database's sentinel-error idiom:
// wrap a shared sentinel so callers can errors.Is against it regardless of
// which store implementation raised it.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional find-and-modify's predicate
	// did not match the current document (optimistic-lock failure).
	ErrConflict = errors.New("store: conflict")
	// ErrTransient is returned for retryable I/O failures (timeouts,
	// connection resets) as opposed to definite NotFound/Conflict outcomes.
	ErrTransient = errors.New("store: transient I/O error")
)

// NotFoundError wraps ErrNotFound with the entity/id that was missing.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return "store: " + e.Entity + " " + e.ID + " not found"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError constructs a NotFoundError.
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err wraps ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
