package primer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/hydration"
	"github.com/doqm/doqm/pkg/storage"
	"github.com/doqm/doqm/pkg/storage/memory"
	"github.com/doqm/doqm/pkg/storage/storagewrappers"
)

// countingDatastore hands out instrumented collections so tests can assert
// how many store calls priming issued.
type countingDatastore struct {
	storage.Datastore
	collections map[string]*storagewrappers.InstrumentedCollection
}

func newCountingDatastore(ds storage.Datastore) *countingDatastore {
	return &countingDatastore{
		Datastore:   ds,
		collections: make(map[string]*storagewrappers.InstrumentedCollection),
	}
}

func (d *countingDatastore) Collection(name string) storage.Collection {
	c, ok := d.collections[name]
	if !ok {
		c = storagewrappers.NewInstrumentedCollection(d.Datastore.Collection(name))
		d.collections[name] = c
	}
	return c
}

func (d *countingDatastore) finds(name string) uint32 {
	c, ok := d.collections[name]
	if !ok {
		return 0
	}
	return c.GetMetrics().Find
}

func seedTargets(t *testing.T, ds storage.Datastore, name string, docs ...storage.Document) {
	t.Helper()
	for _, doc := range docs {
		_, err := ds.Collection(name).InsertOne(context.Background(), doc, nil)
		require.NoError(t, err)
	}
}

func TestPrimeResolvesReferences(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	seedTargets(t, ds.Datastore, "authors",
		storage.Document{"_id": "a1", "name": "alice"},
		storage.Document{"_id": "a2", "name": "bob"},
	)

	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entities := []*hydration.Entity{
		hydration.NewEntity("b1", storage.Document{"_id": "b1", "author": Ref("authors", "a1")}),
		hydration.NewEntity("b2", storage.Document{"_id": "b2", "author": Ref("authors", "a2")}),
		hydration.NewEntity("b3", storage.Document{"_id": "b3", "author": Ref("authors", "a1")}),
	}

	require.NoError(t, p.Prime(ctx, entities, "author", hydration.Hints{}, nil))

	// one batched fetch, duplicates deduplicated
	require.Equal(t, uint32(1), ds.finds("authors"))

	first, ok := entities[0].Get("author").(*hydration.Entity)
	require.True(t, ok)
	require.Equal(t, "alice", first.Get("name"))

	third, ok := entities[2].Get("author").(*hydration.Entity)
	require.True(t, ok)
	// one identifier, one instance
	require.Same(t, first, third)
}

func TestPrimeResolvesSliceElements(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	seedTargets(t, ds.Datastore, "tags",
		storage.Document{"_id": "t1", "label": "x"},
		storage.Document{"_id": "t2", "label": "y"},
	)

	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entity := hydration.NewEntity("b1", storage.Document{
		"_id":  "b1",
		"tags": []any{Ref("tags", "t1"), Ref("tags", "t2"), Ref("tags", "missing")},
	})

	require.NoError(t, p.Prime(ctx, []*hydration.Entity{entity}, "tags", hydration.Hints{}, nil))
	require.Equal(t, uint32(1), ds.finds("tags"))

	tags := entity.Get("tags").([]any)
	require.IsType(t, &hydration.Entity{}, tags[0])
	require.IsType(t, &hydration.Entity{}, tags[1])
	// unresolvable references stay raw
	_, stillRef := tags[2].(storage.Document)
	require.True(t, stillRef)
}

func TestPrimeGroupsByTargetCollection(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	seedTargets(t, ds.Datastore, "authors", storage.Document{"_id": "a1"})
	seedTargets(t, ds.Datastore, "editors", storage.Document{"_id": "e1"})

	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entities := []*hydration.Entity{
		hydration.NewEntity("b1", storage.Document{"_id": "b1", "person": Ref("authors", "a1")}),
		hydration.NewEntity("b2", storage.Document{"_id": "b2", "person": Ref("editors", "e1")}),
	}

	require.NoError(t, p.Prime(ctx, entities, "person", hydration.Hints{}, nil))

	require.Equal(t, uint32(1), ds.finds("authors"))
	require.Equal(t, uint32(1), ds.finds("editors"))
}

func TestPrimeIsIdempotent(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	seedTargets(t, ds.Datastore, "authors", storage.Document{"_id": "a1"})

	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entities := []*hydration.Entity{
		hydration.NewEntity("b1", storage.Document{"_id": "b1", "author": Ref("authors", "a1")}),
	}

	require.NoError(t, p.Prime(ctx, entities, "author", hydration.Hints{}, nil))
	require.Equal(t, uint32(1), ds.finds("authors"))

	// overlapping batch: the resolved entity and a new reference to the same,
	// already-hydrated target
	more := append(entities,
		hydration.NewEntity("b2", storage.Document{"_id": "b2", "author": Ref("authors", "a1")}),
	)
	require.NoError(t, p.Prime(ctx, more, "author", hydration.Hints{}, nil))

	// no second fetch: the identity map already holds the target
	require.Equal(t, uint32(1), ds.finds("authors"))
	require.IsType(t, &hydration.Entity{}, more[1].Get("author"))
}

func TestPrimeWithCustomLoader(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entities := []*hydration.Entity{
		hydration.NewEntity("b1", storage.Document{"_id": "b1", "author": Ref("authors", "a1")}),
		hydration.NewEntity("b2", storage.Document{"_id": "b2", "author": Ref("authors", "a1")}),
	}

	var calls int
	var gotIDs []any
	loader := func(ctx context.Context, ids []any, hints hydration.Hints) error {
		calls++
		gotIDs = ids
		for _, id := range ids {
			uow.Register(hydration.NewEntity(id, storage.Document{"_id": id, "loaded": true}))
		}
		return nil
	}

	require.NoError(t, p.Prime(ctx, entities, "author", hydration.Hints{}, loader))

	require.Equal(t, 1, calls)
	require.Equal(t, []any{"a1"}, gotIDs)
	// the loader bypasses the store entirely
	require.Zero(t, ds.finds("authors"))

	author, ok := entities[0].Get("author").(*hydration.Entity)
	require.True(t, ok)
	require.Equal(t, true, author.Get("loaded"))
}

func TestPrimeReadOnlyHintsStillResolve(t *testing.T) {
	ctx := context.Background()

	ds := newCountingDatastore(memory.New())
	seedTargets(t, ds.Datastore, "authors", storage.Document{"_id": "a1", "name": "alice"})

	uow := hydration.NewUnitOfWork()
	p := NewCollectionPrimer(ds, uow)

	entities := []*hydration.Entity{
		hydration.NewEntity("b1", storage.Document{"_id": "b1", "author": Ref("authors", "a1")}),
	}

	require.NoError(t, p.Prime(ctx, entities, "author", hydration.Hints{ReadOnly: true}, nil))

	author, ok := entities[0].Get("author").(*hydration.Entity)
	require.True(t, ok)
	require.Equal(t, "alice", author.Get("name"))

	// read-only hydration left no trace in the identity map
	_, registered := uow.Get("a1")
	require.False(t, registered)
}

func TestPrimeEmptyBatch(t *testing.T) {
	ds := newCountingDatastore(memory.New())
	p := NewCollectionPrimer(ds, hydration.NewUnitOfWork())

	require.NoError(t, p.Prime(context.Background(), nil, "author", hydration.Hints{}, nil))
	require.Zero(t, ds.finds("authors"))
}
