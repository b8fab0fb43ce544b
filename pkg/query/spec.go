package query

import (
	"github.com/doqm/doqm/pkg/storage"
)

// Kind identifies the store operation a specification dispatches to.
type Kind int

const (
	KindFind Kind = iota
	KindFindAndUpdate
	KindFindAndRemove
	KindInsert
	KindUpdate
	KindRemove
	KindDistinct
	KindCount
)

func (k Kind) String() string {
	switch k {
	case KindFind:
		return "find"
	case KindFindAndUpdate:
		return "findAndUpdate"
	case KindFindAndRemove:
		return "findAndRemove"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	case KindDistinct:
		return "distinct"
	case KindCount:
		return "count"
	}
	return "unknown"
}

// Spec is a fully built query specification. It is a closed sum: exactly one
// variant exists per operation kind, and dispatch is an exhaustive type
// switch, so adding or removing a kind is a compile-time-checked change.
//
// Optional scalar fields use pointers; a nil pointer (or nil map/slice) is
// dropped during options projection.
type Spec interface {
	Kind() Kind

	// sealed limits implementations to this package.
	sealed()
}

// FindSpec streams every document matching Filter.
type FindSpec struct {
	Filter         storage.Document
	ReadPreference any
	Select         storage.Document
	Sort           []storage.SortField
	Skip           *int64
	Limit          *int64
	Hint           any
}

func (*FindSpec) Kind() Kind { return KindFind }
func (*FindSpec) sealed()    {}

// FindAndUpdateSpec atomically modifies and returns one document. Update may
// be an update-operator document or a full replacement document; the
// dispatcher routes to the matching store call.
type FindAndUpdateSpec struct {
	Filter         storage.Document
	ReadPreference any
	Select         storage.Document
	Sort           []storage.SortField
	Update         storage.Document
	Upsert         bool
	// ReturnNew selects whether the document is returned as it looks after
	// the update ("after") or before it ("before").
	ReturnNew bool
}

func (*FindAndUpdateSpec) Kind() Kind { return KindFindAndUpdate }
func (*FindAndUpdateSpec) sealed()    {}

// FindAndRemoveSpec atomically removes and returns one document.
type FindAndRemoveSpec struct {
	Filter         storage.Document
	ReadPreference any
	Select         storage.Document
	Sort           []storage.SortField
}

func (*FindAndRemoveSpec) Kind() Kind { return KindFindAndRemove }
func (*FindAndRemoveSpec) sealed()    {}

// InsertSpec stores one new document.
type InsertSpec struct {
	Document storage.Document
}

func (*InsertSpec) Kind() Kind { return KindInsert }
func (*InsertSpec) sealed()    {}

// UpdateSpec modifies matching documents in place. Multiple selects
// updateMany over updateOne; it cannot be combined with a full replacement
// document.
type UpdateSpec struct {
	Filter         storage.Document
	ReadPreference any
	Update         storage.Document
	Upsert         bool
	Multiple       bool
}

func (*UpdateSpec) Kind() Kind { return KindUpdate }
func (*UpdateSpec) sealed()    {}

// RemoveSpec deletes every matching document.
type RemoveSpec struct {
	Filter         storage.Document
	ReadPreference any
}

func (*RemoveSpec) Kind() Kind { return KindRemove }
func (*RemoveSpec) sealed()    {}

// DistinctSpec returns the distinct values of Field across matching documents.
type DistinctSpec struct {
	Filter         storage.Document
	ReadPreference any
	Field          string
}

func (*DistinctSpec) Kind() Kind { return KindDistinct }
func (*DistinctSpec) sealed()    {}

// CountSpec counts matching documents.
type CountSpec struct {
	Filter         storage.Document
	ReadPreference any
	Hint           any
	Limit          *int64
	Skip           *int64
}

func (*CountSpec) Kind() Kind { return KindCount }
func (*CountSpec) sealed()    {}

// isUpdateOperatorDocument classifies an update-or-replacement document: a
// document whose keys begin with the '$' operator sentinel carries update
// operators, anything else is a full replacement. Mixing both forms in one
// document is not valid store input, so checking for any operator key is
// equivalent to checking the first.
func isUpdateOperatorDocument(doc storage.Document) bool {
	for k := range doc {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}
