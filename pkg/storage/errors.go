package storage

import (
	"errors"
)

var (
	// ErrNotFound is returned by single-document operations that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrCollision if a document with the same identifier already exists.
	ErrCollision = errors.New("document already exists")

	// ErrInvalidDocument if a document cannot be stored (e.g. it is not
	// JSON-encodable).
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidUpdate if an update document contains an unsupported operator.
	ErrInvalidUpdate = errors.New("invalid update document")
)
