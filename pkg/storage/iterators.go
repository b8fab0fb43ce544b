package storage

import (
	"context"
	"errors"
)

// ErrIteratorDone is returned by Iterator.Next when iteration is exhausted.
var ErrIteratorDone = errors.New("iterator done")

// Iterator is a lazy sequence of items pulled from a store. It is closed by
// explicitly calling Stop() or by calling Next() until it returns
// ErrIteratorDone.
type Iterator[T any] interface {
	// Next returns the next available item. If the context is cancelled or
	// times out, it returns the context's error.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration and releases underlying resources.
	Stop()
}

// DocumentIterator is an iterator over raw store documents.
type DocumentIterator = Iterator[Document]

type emptyIterator[T any] struct{}

func (e *emptyIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	return zero, ErrIteratorDone
}

func (e *emptyIterator[T]) Stop() {}

// NewEmptyDocumentIterator returns an iterator that yields nothing.
func NewEmptyDocumentIterator() DocumentIterator {
	return &emptyIterator[Document]{}
}

type staticIterator[T any] struct {
	items []T
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next, rest := s.items[0], s.items[1:]
	s.items = rest

	return next, nil
}

func (s *staticIterator[T]) Stop() {}

// NewStaticIterator returns an iterator that yields the provided slice.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

// NewStaticDocumentIterator returns a DocumentIterator over the provided slice.
func NewStaticDocumentIterator(docs []Document) DocumentIterator {
	return &staticIterator[Document]{items: docs}
}

// Collect drains iter and returns every yielded item. The iterator is stopped
// regardless of the outcome.
func Collect[T any](ctx context.Context, iter Iterator[T]) ([]T, error) {
	defer iter.Stop()

	var items []T
	for {
		item, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return items, nil
			}
			return nil, err
		}

		items = append(items, item)
	}
}
