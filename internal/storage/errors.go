package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert hits a key that already
	// exists and the operation does not merge.
	ErrDuplicateKey = errors.New("duplicate key")
)
