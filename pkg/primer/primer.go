// Package primer resolves cross-document references in batched lookups ahead
// of per-document access.
//
// References follow the DBRef convention: a field value of the form
// {"$ref": <collection>, "$id": <value>} points at a document in another
// collection. Priming replaces such values (or slices of them) with hydrated
// entities, one batched fetch per target collection.
package primer

import (
	"context"

	"go.uber.org/zap"

	"github.com/doqm/doqm/pkg/hydration"
	"github.com/doqm/doqm/pkg/logger"
	"github.com/doqm/doqm/pkg/storage"
)

// Loader overrides the default reference resolution for one primed field. It
// receives every distinct unresolved identifier in the batch and must make
// the referenced objects available to the unit of work in a single batched
// fetch.
type Loader func(ctx context.Context, ids []any, hints hydration.Hints) error

// ReferencePrimer primes one reference field across a batch of hydrated
// entities. Implementations must issue a single batched lookup per target
// collection and be idempotent when called again with overlapping entities:
// already-resolved references are not re-fetched.
type ReferencePrimer interface {
	Prime(ctx context.Context, entities []*hydration.Entity, field string, hints hydration.Hints, loader Loader) error
}

const (
	refCollectionField = "$ref"
	refIDField         = "$id"
)

// Ref builds a reference value pointing at a document of another collection.
func Ref(collection string, id any) storage.Document {
	return storage.Document{refCollectionField: collection, refIDField: id}
}

func parseRef(v any) (string, any, bool) {
	doc, ok := v.(storage.Document)
	if !ok {
		return "", nil, false
	}
	name, ok := doc[refCollectionField].(string)
	if !ok || name == "" {
		return "", nil, false
	}
	id, ok := doc[refIDField]
	if !ok || id == nil {
		return "", nil, false
	}
	return name, id, true
}

// CollectionPrimer is the default [ReferencePrimer]. It resolves references
// through the datastore's collections and hydrates results into the given
// unit of work.
type CollectionPrimer struct {
	datastore storage.Datastore
	uow       *hydration.UnitOfWork
	logger    logger.Logger
}

var _ ReferencePrimer = (*CollectionPrimer)(nil)

type Option func(*CollectionPrimer)

func WithLogger(l logger.Logger) Option {
	return func(p *CollectionPrimer) {
		p.logger = l
	}
}

// NewCollectionPrimer creates a primer resolving references against ds and
// registering hydrated objects in uow.
func NewCollectionPrimer(ds storage.Datastore, uow *hydration.UnitOfWork, opts ...Option) *CollectionPrimer {
	p := &CollectionPrimer{
		datastore: ds,
		uow:       uow,
		logger:    logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Prime see [ReferencePrimer].Prime.
func (p *CollectionPrimer) Prime(ctx context.Context, entities []*hydration.Entity, field string, hints hydration.Hints, loader Loader) error {
	if len(entities) == 0 {
		return nil
	}

	pending := p.collectUnresolved(entities, field)
	if len(pending) > 0 {
		fetched, err := p.fetch(ctx, pending, hints, loader)
		if err != nil {
			return err
		}
		p.resolve(entities, field, fetched)
		return nil
	}

	p.resolve(entities, field, nil)
	return nil
}

// collectUnresolved walks the batch and returns the distinct reference
// identifiers that are neither primed already nor present in the identity
// map, grouped by target collection.
func (p *CollectionPrimer) collectUnresolved(entities []*hydration.Entity, field string) map[string][]any {
	pending := make(map[string][]any)
	seen := make(map[uint64]struct{})

	consider := func(v any) {
		name, id, ok := parseRef(v)
		if !ok {
			return
		}
		if _, hydrated := p.uow.Get(id); hydrated {
			return
		}
		key := hydration.IdentityKey(id)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		pending[name] = append(pending[name], id)
	}

	for _, e := range entities {
		switch v := e.Get(field).(type) {
		case []any:
			for _, elem := range v {
				consider(elem)
			}
		default:
			consider(v)
		}
	}

	return pending
}

// fetch performs the batched lookups: either one call to the custom loader
// with every pending identifier, or one Find per target collection. It
// returns the entities hydrated during the fetch, keyed by identity, so that
// read-only hints (which skip identity-map registration) still resolve.
func (p *CollectionPrimer) fetch(ctx context.Context, pending map[string][]any, hints hydration.Hints, loader Loader) (map[uint64]*hydration.Entity, error) {
	if loader != nil {
		var ids []any
		for _, collIDs := range pending {
			ids = append(ids, collIDs...)
		}
		return nil, loader(ctx, ids, hints)
	}

	opts := storage.Options{}
	if hints.ReadPreference != nil {
		opts[storage.OptReadPreference] = hints.ReadPreference
	}

	fetched := make(map[uint64]*hydration.Entity)
	for name, ids := range pending {
		p.logger.Debug("priming references",
			zap.String("collection", name),
			zap.Int("count", len(ids)),
		)

		iter, err := p.datastore.Collection(name).Find(ctx, storage.Document{
			storage.IDField: storage.Document{"$in": ids},
		}, opts)
		if err != nil {
			return nil, err
		}

		docs, err := storage.Collect(ctx, iter)
		if err != nil {
			return nil, err
		}

		for _, doc := range docs {
			entity, err := p.uow.Hydrate(ctx, doc, hints)
			if err != nil {
				return nil, err
			}
			fetched[hydration.IdentityKey(entity.ID())] = entity
		}
	}

	return fetched, nil
}

// resolve replaces reference values with hydrated entities wherever one is
// available. References whose target does not exist are left untouched.
func (p *CollectionPrimer) resolve(entities []*hydration.Entity, field string, fetched map[uint64]*hydration.Entity) {
	lookup := func(id any) (*hydration.Entity, bool) {
		if e, ok := p.uow.Get(id); ok {
			return e, true
		}
		e, ok := fetched[hydration.IdentityKey(id)]
		return e, ok
	}

	for _, e := range entities {
		switch v := e.Get(field).(type) {
		case []any:
			for i, elem := range v {
				if _, id, ok := parseRef(elem); ok {
					if target, found := lookup(id); found {
						v[i] = target
					}
				}
			}
		default:
			if _, id, ok := parseRef(v); ok {
				if target, found := lookup(id); found {
					e.Set(field, target)
				}
			}
		}
	}
}
