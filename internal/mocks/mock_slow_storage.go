package mocks

import (
	"context"
	"time"

	"github.com/doqm/doqm/pkg/storage"
)

// slowCollection is a proxy to the actual collection except the reads are
// delayed by readDelay. This allows simulating queries that time out.
type slowCollection struct {
	readDelay time.Duration
	storage.Collection
}

// NewSlowCollection returns a wrapper of a collection that adds artificial
// delays into reads.
func NewSlowCollection(coll storage.Collection, readDelay time.Duration) storage.Collection {
	return &slowCollection{
		readDelay:  readDelay,
		Collection: coll,
	}
}

func (m *slowCollection) Find(ctx context.Context, filter storage.Document, opts storage.Options) (storage.DocumentIterator, error) {
	time.Sleep(m.readDelay)
	return m.Collection.Find(ctx, filter, opts)
}

func (m *slowCollection) Distinct(ctx context.Context, field string, filter storage.Document, opts storage.Options) ([]any, error) {
	time.Sleep(m.readDelay)
	return m.Collection.Distinct(ctx, field, filter, opts)
}

func (m *slowCollection) Count(ctx context.Context, filter storage.Document, opts storage.Options) (int64, error) {
	time.Sleep(m.readDelay)
	return m.Collection.Count(ctx, filter, opts)
}
