package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the key is absent and could not be loaded.
	ErrNotFound = errors.New("cache: not found")
	// ErrValidationRejected indicates the candidate value failed pre-insert validation.
	ErrValidationRejected = errors.New("cache: validation rejected")
	// ErrPersistenceFailure indicates the backing store write failed.
	ErrPersistenceFailure = errors.New("cache: persistence failure")
	// ErrLockTimeout indicates a key lock could not be acquired in time.
	ErrLockTimeout = errors.New("cache: lock timeout")
	// ErrResolutionFailure indicates a referenced key is unknown to every cache consulted.
	ErrResolutionFailure = errors.New("cache: resolution failure")
)

// Error annotates a cache failure with the operation and key.
type Error struct {
	Op    string
	Cache string
	Key   int64
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s: %s %d: %v", e.Cache, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(cacheName, op string, key int64, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Cache: cacheName, Key: key, Err: err}
}

// Reason joins a sentinel with its underlying cause so both match errors.Is.
func Reason(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
