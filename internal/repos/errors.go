package repos

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: the row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: an idempotency or uniqueness violation; the existing row wins.
	ErrConflict = errors.New("conflict")
	// ErrLeaseLost: the caller no longer holds the lease. A normal outcome for
	// workers; the in-flight result is discarded.
	ErrLeaseLost = errors.New("lease lost")
	// ErrStorage: the backend is unavailable; retry with the same idempotency key.
	ErrStorage = errors.New("storage unavailable")
)

// StorageError wraps a backend failure so callers can match ErrStorage while
// keeping the operation and cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
