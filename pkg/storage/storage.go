// Package storage contains the document store interfaces consumed by the query core.
//
//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks Collection
package storage

import (
	"context"
)

// Document is a schemaless record as stored by a document collection. Keys are
// field names; values are JSON-compatible scalars, nested Documents, or slices.
type Document = map[string]any

// IDField is the canonical identifier field of every stored document.
const IDField = "_id"

// SortField is a single member of a sort order. Order among SortFields is
// significant, which is why sorts are expressed as a slice and not a Document.
type SortField struct {
	Field string
	Desc  bool
}

// Values for the "returnDocument" option of FindOneAndUpdate/FindOneAndReplace.
const (
	ReturnDocumentBefore = "before"
	ReturnDocumentAfter  = "after"
)

// Option keys understood by Collection implementations. Unknown keys are
// ignored so that callers can pass through driver-specific settings.
const (
	OptProjection     = "projection"
	OptSort           = "sort"
	OptSkip           = "skip"
	OptLimit          = "limit"
	OptHint           = "hint"
	OptReadPreference = "readPreference"
	OptUpsert         = "upsert"
	OptReturnDocument = "returnDocument"
)

// Options carries per-call settings for a store operation. Projected,
// operation-specific keys and caller pass-through keys share the same map;
// see the typed accessors for how implementations read them.
type Options map[string]any

// Clone returns a shallow copy of the options map. Clone of nil returns an
// empty, writable map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Int64 returns the named option coerced to int64, or ok=false when the key
// is absent or not numeric.
func (o Options) Int64(key string) (int64, bool) {
	v, ok := o[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Bool returns the named option as a bool, defaulting to false when absent.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String returns the named option as a string, or "" when absent.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Document returns the named option as a Document, or nil when absent.
func (o Options) Document(key string) Document {
	v, ok := o[key]
	if !ok {
		return nil
	}
	d, _ := v.(Document)
	return d
}

// Sort returns the named option as a sort order, or nil when absent.
func (o Options) Sort(key string) []SortField {
	v, ok := o[key]
	if !ok {
		return nil
	}
	s, _ := v.([]SortField)
	return s
}

// WriteResult summarizes the outcome of a write operation.
type WriteResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	DeletedCount  int64
	InsertedID    any
	UpsertedID    any
}

// Collection is the operation set the query core dispatches against. It is a
// minimal abstraction of one named collection of a document store; the driver
// beneath it owns wire protocol, pooling and retries.
//
// Read operations honor the projection/sort/skip/limit/hint/readPreference
// option keys where the corresponding native operation supports them. All
// operations receive the caller's pass-through options merged with the
// projected ones.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Find returns an iterator over the documents matching filter. A nil or
	// empty filter matches every document. The caller must drain or Stop the
	// iterator.
	Find(ctx context.Context, filter Document, opts Options) (DocumentIterator, error)

	// FindOneAndUpdate atomically applies an update-operator document to the
	// first document matching filter. It returns the document before or after
	// the update depending on the "returnDocument" option, or ErrNotFound
	// when nothing matched and "upsert" is unset.
	FindOneAndUpdate(ctx context.Context, filter, update Document, opts Options) (Document, error)

	// FindOneAndReplace is FindOneAndUpdate for full replacement documents.
	FindOneAndReplace(ctx context.Context, filter, replacement Document, opts Options) (Document, error)

	// FindOneAndDelete removes the first document matching filter and returns
	// it, or ErrNotFound when nothing matched.
	FindOneAndDelete(ctx context.Context, filter Document, opts Options) (Document, error)

	// InsertOne stores a new document. Implementations assign an identifier
	// when the document carries none and report it in WriteResult.InsertedID.
	InsertOne(ctx context.Context, doc Document, opts Options) (WriteResult, error)

	// UpdateOne applies an update-operator document to the first match.
	UpdateOne(ctx context.Context, filter, update Document, opts Options) (WriteResult, error)

	// UpdateMany applies an update-operator document to every match.
	UpdateMany(ctx context.Context, filter, update Document, opts Options) (WriteResult, error)

	// ReplaceOne replaces the first match with a full replacement document.
	ReplaceOne(ctx context.Context, filter, replacement Document, opts Options) (WriteResult, error)

	// DeleteMany removes every document matching filter.
	DeleteMany(ctx context.Context, filter Document, opts Options) (WriteResult, error)

	// Distinct returns the distinct values of field across the documents
	// matching filter.
	Distinct(ctx context.Context, field string, filter Document, opts Options) ([]any, error)

	// Count returns the number of documents matching filter, honoring the
	// skip and limit option keys.
	Count(ctx context.Context, filter Document, opts Options) (int64, error)
}

// Datastore resolves named collections. Implementations create collections
// lazily on first use.
type Datastore interface {
	Collection(name string) Collection
	Close()
}
