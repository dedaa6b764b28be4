package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports that the requested record does not exist. It is
	// a domain condition, never retried.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict reports a uniqueness violation (duplicate topic name or
	// replayed review request id).
	ErrConflict = errors.New("storage: record already exists")
)

// PersistenceError wraps a storage failure with enough classification for
// callers to decide between retrying and surfacing the error.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient
}

// classify maps a driver error to the store's error taxonomy. Anything not
// recognizably permanent is treated as transient so the caller may retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return &PersistenceError{Op: op, Transient: true, Err: err}
}
