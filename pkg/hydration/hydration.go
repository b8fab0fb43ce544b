// Package hydration turns raw store documents into domain objects, reusing
// in-memory instances through an identity map so that one stored identifier
// maps to exactly one object within a unit of work.
package hydration

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/doqm/doqm/pkg/storage"
)

// ErrMissingIdentifier is returned when a document to hydrate carries no _id.
var ErrMissingIdentifier = errors.New("document has no identifier")

// Hints control how hydration treats documents already present in the
// identity map. A zero value is valid: no refresh, writable, default read
// preference.
type Hints struct {
	// Refresh forces re-materialization of the document data onto the
	// existing in-memory instance instead of returning it untouched.
	Refresh bool

	// ReadOnly skips identity-map registration so hydrated objects do not
	// outlive their query.
	ReadOnly bool

	// ReadPreference is carried through to reference-priming lookups.
	ReadPreference any
}

// Hydrator produces-or-reuses a domain object for a raw store document.
type Hydrator interface {
	Hydrate(ctx context.Context, doc storage.Document, hints Hints) (*Entity, error)
}

// Entity is a hydrated domain object: a document bound to its identity.
// Reference fields hold either raw reference values or, once primed, other
// *Entity instances.
type Entity struct {
	id   any
	data storage.Document
}

// ID returns the entity's stored identifier.
func (e *Entity) ID() any {
	return e.id
}

// Get returns the named field value. Primed reference fields yield *Entity
// (or []any of *Entity) values.
func (e *Entity) Get(field string) any {
	return e.data[field]
}

// Set replaces the named field value in memory only.
func (e *Entity) Set(field string, value any) {
	e.data[field] = value
}

// Data exposes the entity's underlying document.
func (e *Entity) Data() storage.Document {
	return e.data
}

// IdentityKey is the identity-map key for a stored identifier. Identifiers of
// different dynamic types never collide because the type participates in the
// hashed encoding.
func IdentityKey(id any) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%T:%v", id, id))
}

// UnitOfWork is the default [Hydrator]. It is not safe for concurrent use;
// the query core is single-threaded by contract.
type UnitOfWork struct {
	identity map[uint64]*Entity
}

var _ Hydrator = (*UnitOfWork)(nil)

// NewUnitOfWork creates an empty unit of work.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{
		identity: make(map[uint64]*Entity),
	}
}

// Hydrate see [Hydrator].Hydrate. When the identifier is already registered
// the existing instance is returned; with hints.Refresh the instance is kept
// but its data is replaced by the given document.
func (u *UnitOfWork) Hydrate(ctx context.Context, doc storage.Document, hints Hints) (*Entity, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	id, ok := doc[storage.IDField]
	if !ok || id == nil {
		return nil, ErrMissingIdentifier
	}

	key := IdentityKey(id)
	if existing, ok := u.identity[key]; ok {
		if hints.Refresh {
			existing.data = doc
		}
		return existing, nil
	}

	entity := &Entity{id: id, data: doc}
	if !hints.ReadOnly {
		u.identity[key] = entity
	}

	return entity, nil
}

// Get returns the registered entity for an identifier, if any.
func (u *UnitOfWork) Get(id any) (*Entity, bool) {
	e, ok := u.identity[IdentityKey(id)]
	return e, ok
}

// Register adds an externally constructed entity to the identity map,
// replacing any instance registered under the same identifier.
func (u *UnitOfWork) Register(e *Entity) {
	u.identity[IdentityKey(e.id)] = e
}

// Size returns the number of registered identities.
func (u *UnitOfWork) Size() int {
	return len(u.identity)
}

// Clear empties the identity map.
func (u *UnitOfWork) Clear() {
	u.identity = make(map[uint64]*Entity)
}

// NewEntity builds an entity directly, for callers that materialize domain
// objects outside a unit of work (e.g. custom primer loaders).
func NewEntity(id any, data storage.Document) *Entity {
	return &Entity{id: id, data: data}
}
