// Package storagewrappers provides decorators over [storage.Collection].
package storagewrappers

import (
	"context"
	"sync/atomic"

	"github.com/doqm/doqm/pkg/storage"
)

var _ storage.Collection = (*InstrumentedCollection)(nil)

// InstrumentedCollection wraps a collection and counts every store call per
// operation. It is thread-safe but intended for one consumer at a time; the
// wrapped collection must not serve results from an in-memory cache for the
// counts to be accurate.
type InstrumentedCollection struct {
	storage.Collection
	counts [numOps]atomic.Uint32
}

type op int

const (
	opFind op = iota
	opFindOneAndUpdate
	opFindOneAndReplace
	opFindOneAndDelete
	opInsertOne
	opUpdateOne
	opUpdateMany
	opReplaceOne
	opDeleteMany
	opDistinct
	opCount

	numOps
)

// NewInstrumentedCollection wraps the given collection.
func NewInstrumentedCollection(wrapped storage.Collection) *InstrumentedCollection {
	return &InstrumentedCollection{Collection: wrapped}
}

// Metrics is a snapshot of the per-operation call counts.
type Metrics struct {
	Find             uint32
	FindOneAndUpdate uint32
	FindOneAndDelete uint32
	Writes           uint32
	Distinct         uint32
	Count            uint32
	Total            uint32
}

func (c *InstrumentedCollection) GetMetrics() Metrics {
	m := Metrics{
		Find:             c.counts[opFind].Load(),
		FindOneAndUpdate: c.counts[opFindOneAndUpdate].Load() + c.counts[opFindOneAndReplace].Load(),
		FindOneAndDelete: c.counts[opFindOneAndDelete].Load(),
		Distinct:         c.counts[opDistinct].Load(),
		Count:            c.counts[opCount].Load(),
	}
	m.Writes = c.counts[opInsertOne].Load() +
		c.counts[opUpdateOne].Load() +
		c.counts[opUpdateMany].Load() +
		c.counts[opReplaceOne].Load() +
		c.counts[opDeleteMany].Load()
	for i := range c.counts {
		m.Total += c.counts[i].Load()
	}
	return m
}

func (c *InstrumentedCollection) increase(o op) {
	c.counts[o].Add(1)
}

// Find see [storage.Collection].Find.
func (c *InstrumentedCollection) Find(ctx context.Context, filter storage.Document, opts storage.Options) (storage.DocumentIterator, error) {
	c.increase(opFind)
	return c.Collection.Find(ctx, filter, opts)
}

// FindOneAndUpdate see [storage.Collection].FindOneAndUpdate.
func (c *InstrumentedCollection) FindOneAndUpdate(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.Document, error) {
	c.increase(opFindOneAndUpdate)
	return c.Collection.FindOneAndUpdate(ctx, filter, update, opts)
}

// FindOneAndReplace see [storage.Collection].FindOneAndReplace.
func (c *InstrumentedCollection) FindOneAndReplace(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.Document, error) {
	c.increase(opFindOneAndReplace)
	return c.Collection.FindOneAndReplace(ctx, filter, replacement, opts)
}

// FindOneAndDelete see [storage.Collection].FindOneAndDelete.
func (c *InstrumentedCollection) FindOneAndDelete(ctx context.Context, filter storage.Document, opts storage.Options) (storage.Document, error) {
	c.increase(opFindOneAndDelete)
	return c.Collection.FindOneAndDelete(ctx, filter, opts)
}

// InsertOne see [storage.Collection].InsertOne.
func (c *InstrumentedCollection) InsertOne(ctx context.Context, doc storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.increase(opInsertOne)
	return c.Collection.InsertOne(ctx, doc, opts)
}

// UpdateOne see [storage.Collection].UpdateOne.
func (c *InstrumentedCollection) UpdateOne(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.increase(opUpdateOne)
	return c.Collection.UpdateOne(ctx, filter, update, opts)
}

// UpdateMany see [storage.Collection].UpdateMany.
func (c *InstrumentedCollection) UpdateMany(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.increase(opUpdateMany)
	return c.Collection.UpdateMany(ctx, filter, update, opts)
}

// ReplaceOne see [storage.Collection].ReplaceOne.
func (c *InstrumentedCollection) ReplaceOne(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.increase(opReplaceOne)
	return c.Collection.ReplaceOne(ctx, filter, replacement, opts)
}

// DeleteMany see [storage.Collection].DeleteMany.
func (c *InstrumentedCollection) DeleteMany(ctx context.Context, filter storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.increase(opDeleteMany)
	return c.Collection.DeleteMany(ctx, filter, opts)
}

// Distinct see [storage.Collection].Distinct.
func (c *InstrumentedCollection) Distinct(ctx context.Context, field string, filter storage.Document, opts storage.Options) ([]any, error) {
	c.increase(opDistinct)
	return c.Collection.Distinct(ctx, field, filter, opts)
}

// Count see [storage.Collection].Count.
func (c *InstrumentedCollection) Count(ctx context.Context, filter storage.Document, opts storage.Options) (int64, error) {
	c.increase(opCount)
	return c.Collection.Count(ctx, filter, opts)
}
