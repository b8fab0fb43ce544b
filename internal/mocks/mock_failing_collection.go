package mocks

import (
	"context"

	"github.com/doqm/doqm/pkg/storage"
)

// failingCollection is a proxy to the actual collection except that every
// operation fails with the injected error. This allows asserting that store
// errors propagate unchanged.
type failingCollection struct {
	err error
	storage.Collection
}

// NewFailingCollection returns a wrapper of a collection whose operations all
// fail with err.
func NewFailingCollection(coll storage.Collection, err error) storage.Collection {
	return &failingCollection{
		err:        err,
		Collection: coll,
	}
}

func (m *failingCollection) Find(context.Context, storage.Document, storage.Options) (storage.DocumentIterator, error) {
	return nil, m.err
}

func (m *failingCollection) FindOneAndUpdate(context.Context, storage.Document, storage.Document, storage.Options) (storage.Document, error) {
	return nil, m.err
}

func (m *failingCollection) FindOneAndReplace(context.Context, storage.Document, storage.Document, storage.Options) (storage.Document, error) {
	return nil, m.err
}

func (m *failingCollection) FindOneAndDelete(context.Context, storage.Document, storage.Options) (storage.Document, error) {
	return nil, m.err
}

func (m *failingCollection) InsertOne(context.Context, storage.Document, storage.Options) (storage.WriteResult, error) {
	return storage.WriteResult{}, m.err
}

func (m *failingCollection) UpdateOne(context.Context, storage.Document, storage.Document, storage.Options) (storage.WriteResult, error) {
	return storage.WriteResult{}, m.err
}

func (m *failingCollection) UpdateMany(context.Context, storage.Document, storage.Document, storage.Options) (storage.WriteResult, error) {
	return storage.WriteResult{}, m.err
}

func (m *failingCollection) ReplaceOne(context.Context, storage.Document, storage.Document, storage.Options) (storage.WriteResult, error) {
	return storage.WriteResult{}, m.err
}

func (m *failingCollection) DeleteMany(context.Context, storage.Document, storage.Options) (storage.WriteResult, error) {
	return storage.WriteResult{}, m.err
}

func (m *failingCollection) Distinct(context.Context, string, storage.Document, storage.Options) ([]any, error) {
	return nil, m.err
}

func (m *failingCollection) Count(context.Context, storage.Document, storage.Options) (int64, error) {
	return 0, m.err
}

// iteratorCollection is a proxy whose Find returns the supplied iterator,
// letting tests hand a failure-injecting cursor to the query layer.
type iteratorCollection struct {
	iter storage.DocumentIterator
	storage.Collection
}

// NewIteratorCollection returns a wrapper of a collection whose Find yields
// the given iterator instead of querying the store.
func NewIteratorCollection(coll storage.Collection, iter storage.DocumentIterator) storage.Collection {
	return &iteratorCollection{
		iter:       iter,
		Collection: coll,
	}
}

func (m *iteratorCollection) Find(context.Context, storage.Document, storage.Options) (storage.DocumentIterator, error) {
	return m.iter, nil
}
