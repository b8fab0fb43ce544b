package mocks

import (
	"context"
	"fmt"

	"github.com/doqm/doqm/pkg/storage"
)

// ErrSimulated is the error injected by the failure mocks in this package.
var ErrSimulated = fmt.Errorf("simulated error")

// errorIterator is a mock iterator that returns an error on the second Next
// call.
type errorIterator[T any] struct {
	items          []T
	originalLength int
}

func (s *errorIterator[T]) Next(ctx context.Context) (T, error) {
	var val T

	if ctx.Err() != nil {
		return val, ctx.Err()
	}

	// we want to simulate returning error after the first read
	if len(s.items) != s.originalLength {
		return val, ErrSimulated
	}

	if len(s.items) == 0 {
		return val, storage.ErrIteratorDone
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest

	return next, nil
}

func (s *errorIterator[T]) Stop() {}

// NewErrorIterator mocks the case where Next will return an error after the
// first Next().
func NewErrorIterator(docs []storage.Document) storage.DocumentIterator {
	return &errorIterator[storage.Document]{
		items:          docs,
		originalLength: len(docs),
	}
}
