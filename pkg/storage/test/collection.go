// Package test contains the conformance suite every [storage.Datastore]
// implementation must pass. Backends run it from their own test package.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/storage"
)

// RunAllTests runs the collection semantics suite against ds. Each subtest
// works in its own collection, so a single datastore instance serves the
// whole run.
func RunAllTests(t *testing.T, ds storage.Datastore) {
	t.Run("TestInsertOne", func(t *testing.T) { InsertOneTest(t, ds) })
	t.Run("TestFind", func(t *testing.T) { FindTest(t, ds) })
	t.Run("TestUpdate", func(t *testing.T) { UpdateTest(t, ds) })
	t.Run("TestReplaceOne", func(t *testing.T) { ReplaceOneTest(t, ds) })
	t.Run("TestFindOneAndUpdate", func(t *testing.T) { FindOneAndUpdateTest(t, ds) })
	t.Run("TestFindOneAndReplace", func(t *testing.T) { FindOneAndReplaceTest(t, ds) })
	t.Run("TestFindOneAndDelete", func(t *testing.T) { FindOneAndDeleteTest(t, ds) })
	t.Run("TestDeleteMany", func(t *testing.T) { DeleteManyTest(t, ds) })
	t.Run("TestDistinct", func(t *testing.T) { DistinctTest(t, ds) })
	t.Run("TestCount", func(t *testing.T) { CountTest(t, ds) })
}

func seed(t *testing.T, ds storage.Datastore, name string, docs ...storage.Document) storage.Collection {
	t.Helper()

	coll := ds.Collection(name)
	for _, doc := range docs {
		_, err := coll.InsertOne(context.Background(), doc, nil)
		require.NoError(t, err)
	}
	return coll
}

func findAll(t *testing.T, coll storage.Collection, filter storage.Document, opts storage.Options) []storage.Document {
	t.Helper()

	iter, err := coll.Find(context.Background(), filter, opts)
	require.NoError(t, err)
	docs, err := storage.Collect(context.Background(), iter)
	require.NoError(t, err)
	return docs
}

func InsertOneTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "insert_one")

	t.Run("generates_identifier", func(t *testing.T) {
		res, err := coll.InsertOne(ctx, storage.Document{"name": "a"}, nil)
		require.NoError(t, err)
		require.NotEmpty(t, res.InsertedID)
	})

	t.Run("keeps_explicit_identifier", func(t *testing.T) {
		res, err := coll.InsertOne(ctx, storage.Document{"_id": "u1", "name": "b"}, nil)
		require.NoError(t, err)
		require.Equal(t, "u1", res.InsertedID)
	})

	t.Run("duplicate_identifier_collides", func(t *testing.T) {
		_, err := coll.InsertOne(ctx, storage.Document{"_id": "u1"}, nil)
		require.ErrorIs(t, err, storage.ErrCollision)
	})
}

func FindTest(t *testing.T, ds storage.Datastore) {
	coll := seed(t, ds, "find",
		storage.Document{"_id": "1", "name": "c", "age": 30},
		storage.Document{"_id": "2", "name": "a", "age": 20},
		storage.Document{"_id": "3", "name": "b", "age": 25},
	)

	t.Run("filter", func(t *testing.T) {
		docs := findAll(t, coll, storage.Document{"age": storage.Document{"$gte": 25}}, nil)
		require.Len(t, docs, 2)
	})

	t.Run("identifier_lookup", func(t *testing.T) {
		docs := findAll(t, coll, storage.Document{"_id": "2"}, nil)
		require.Len(t, docs, 1)
		require.Equal(t, "a", docs[0]["name"])
	})

	t.Run("sort_skip_limit", func(t *testing.T) {
		docs := findAll(t, coll, nil, storage.Options{
			storage.OptSort:  []storage.SortField{{Field: "name"}},
			storage.OptSkip:  int64(1),
			storage.OptLimit: int64(1),
		})
		require.Len(t, docs, 1)
		require.Equal(t, "b", docs[0]["name"])
	})

	t.Run("skip_limit_without_sort", func(t *testing.T) {
		docs := findAll(t, coll, nil, storage.Options{
			storage.OptSkip:  int64(1),
			storage.OptLimit: int64(1),
		})
		require.Len(t, docs, 1)
	})

	t.Run("projection", func(t *testing.T) {
		docs := findAll(t, coll, storage.Document{"_id": "1"}, storage.Options{
			storage.OptProjection: storage.Document{"name": 1},
		})
		require.Len(t, docs, 1)
		require.Equal(t, "c", docs[0]["name"])
		require.NotContains(t, docs[0], "age")
	})

	t.Run("no_match_is_empty", func(t *testing.T) {
		docs := findAll(t, coll, storage.Document{"name": "nope"}, nil)
		require.Empty(t, docs)
	})
}

func UpdateTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	t.Run("update_one_only_touches_first_match", func(t *testing.T) {
		coll := seed(t, ds, "update_one",
			storage.Document{"_id": "1", "group": "x", "n": 0},
			storage.Document{"_id": "2", "group": "x", "n": 0},
		)

		res, err := coll.UpdateOne(ctx, storage.Document{"group": "x"}, storage.Document{"$inc": storage.Document{"n": 1}}, nil)
		require.NoError(t, err)
		require.Equal(t, int64(1), res.MatchedCount)
		require.Equal(t, int64(1), res.ModifiedCount)
	})

	t.Run("update_many", func(t *testing.T) {
		coll := seed(t, ds, "update_many",
			storage.Document{"_id": "1", "group": "x"},
			storage.Document{"_id": "2", "group": "x"},
			storage.Document{"_id": "3", "group": "y"},
		)

		res, err := coll.UpdateMany(ctx, storage.Document{"group": "x"}, storage.Document{"$set": storage.Document{"seen": true}}, nil)
		require.NoError(t, err)
		require.Equal(t, int64(2), res.MatchedCount)
		require.Equal(t, int64(2), res.ModifiedCount)
	})

	t.Run("no_op_update_counts_matched_not_modified", func(t *testing.T) {
		coll := seed(t, ds, "update_noop", storage.Document{"_id": "1", "n": 5})

		res, err := coll.UpdateOne(ctx, storage.Document{"_id": "1"}, storage.Document{"$set": storage.Document{"n": float64(5)}}, nil)
		require.NoError(t, err)
		require.Equal(t, int64(1), res.MatchedCount)
		require.Equal(t, int64(0), res.ModifiedCount)
	})

	t.Run("no_match_without_upsert_is_a_no_op", func(t *testing.T) {
		coll := seed(t, ds, "update_nomatch")

		res, err := coll.UpdateOne(ctx, storage.Document{"_id": "nope"}, storage.Document{"$set": storage.Document{"a": 1}}, nil)
		require.NoError(t, err)
		require.Zero(t, res.MatchedCount)
		require.Zero(t, res.UpsertedCount)
	})

	t.Run("upsert_seeds_from_filter_equalities", func(t *testing.T) {
		coll := seed(t, ds, "update_upsert")

		res, err := coll.UpdateOne(ctx,
			storage.Document{"_id": "u9", "age": storage.Document{"$gt": 10}},
			storage.Document{"$set": storage.Document{"name": "new"}},
			storage.Options{storage.OptUpsert: true},
		)
		require.NoError(t, err)
		require.Equal(t, int64(1), res.UpsertedCount)
		require.Equal(t, "u9", res.UpsertedID)

		docs := findAll(t, coll, storage.Document{"_id": "u9"}, nil)
		require.Len(t, docs, 1)
		require.Equal(t, "new", docs[0]["name"])
		// operator conditions do not seed fields
		require.NotContains(t, docs[0], "age")
	})
}

func ReplaceOneTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "replace_one", storage.Document{"_id": "1", "name": "a", "age": 20})

	res, err := coll.ReplaceOne(ctx, storage.Document{"_id": "1"}, storage.Document{"name": "b"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.MatchedCount)
	require.Equal(t, int64(1), res.ModifiedCount)

	docs := findAll(t, coll, storage.Document{"_id": "1"}, nil)
	require.Len(t, docs, 1)
	// identifier survives, replaced fields are gone
	require.Equal(t, "1", docs[0]["_id"])
	require.Equal(t, "b", docs[0]["name"])
	require.NotContains(t, docs[0], "age")
}

func FindOneAndUpdateTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	t.Run("returns_before_document_by_default", func(t *testing.T) {
		coll := seed(t, ds, "fau_before", storage.Document{"_id": "1", "n": 1})

		doc, err := coll.FindOneAndUpdate(ctx, storage.Document{"_id": "1"}, storage.Document{"$inc": storage.Document{"n": 1}}, nil)
		require.NoError(t, err)
		require.EqualValues(t, 1, doc["n"])
	})

	t.Run("returns_after_document_when_asked", func(t *testing.T) {
		coll := seed(t, ds, "fau_after", storage.Document{"_id": "1", "n": 1})

		doc, err := coll.FindOneAndUpdate(ctx, storage.Document{"_id": "1"}, storage.Document{"$inc": storage.Document{"n": 1}},
			storage.Options{storage.OptReturnDocument: storage.ReturnDocumentAfter})
		require.NoError(t, err)
		require.EqualValues(t, 2, doc["n"])
	})

	t.Run("honors_sort", func(t *testing.T) {
		coll := seed(t, ds, "fau_sort",
			storage.Document{"_id": "1", "rank": 2},
			storage.Document{"_id": "2", "rank": 1},
		)

		doc, err := coll.FindOneAndUpdate(ctx, nil, storage.Document{"$set": storage.Document{"seen": true}},
			storage.Options{storage.OptSort: []storage.SortField{{Field: "rank"}}})
		require.NoError(t, err)
		require.Equal(t, "2", doc["_id"])
	})

	t.Run("no_match_returns_not_found", func(t *testing.T) {
		coll := seed(t, ds, "fau_notfound")

		_, err := coll.FindOneAndUpdate(ctx, storage.Document{"_id": "nope"}, storage.Document{"$set": storage.Document{"a": 1}}, nil)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("upsert_with_return_after", func(t *testing.T) {
		coll := seed(t, ds, "fau_upsert")

		doc, err := coll.FindOneAndUpdate(ctx, storage.Document{"_id": "u1"}, storage.Document{"$set": storage.Document{"name": "a"}},
			storage.Options{
				storage.OptUpsert:         true,
				storage.OptReturnDocument: storage.ReturnDocumentAfter,
			})
		require.NoError(t, err)
		require.Equal(t, "u1", doc["_id"])
		require.Equal(t, "a", doc["name"])
	})

	t.Run("upsert_without_return_after_reports_not_found", func(t *testing.T) {
		coll := seed(t, ds, "fau_upsert_before")

		_, err := coll.FindOneAndUpdate(ctx, storage.Document{"_id": "u1"}, storage.Document{"$set": storage.Document{"name": "a"}},
			storage.Options{storage.OptUpsert: true})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func FindOneAndReplaceTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "find_replace", storage.Document{"_id": "1", "name": "a", "age": 20})

	doc, err := coll.FindOneAndReplace(ctx, storage.Document{"_id": "1"}, storage.Document{"name": "b"},
		storage.Options{storage.OptReturnDocument: storage.ReturnDocumentAfter})
	require.NoError(t, err)
	require.Equal(t, "1", doc["_id"])
	require.Equal(t, "b", doc["name"])
	require.NotContains(t, doc, "age")
}

func FindOneAndDeleteTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "find_delete",
		storage.Document{"_id": "1", "rank": 2},
		storage.Document{"_id": "2", "rank": 1},
	)

	doc, err := coll.FindOneAndDelete(ctx, nil, storage.Options{
		storage.OptSort: []storage.SortField{{Field: "rank", Desc: true}},
	})
	require.NoError(t, err)
	require.Equal(t, "1", doc["_id"])

	n, err := coll.Count(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = coll.FindOneAndDelete(ctx, storage.Document{"_id": "1"}, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func DeleteManyTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "delete_many",
		storage.Document{"_id": "1", "group": "x"},
		storage.Document{"_id": "2", "group": "x"},
		storage.Document{"_id": "3", "group": "y"},
	)

	res, err := coll.DeleteMany(ctx, storage.Document{"group": "x"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.DeletedCount)

	n, err := coll.Count(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func DistinctTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "distinct",
		storage.Document{"_id": "1", "tags": []any{"a", "b"}, "group": "x"},
		storage.Document{"_id": "2", "tags": []any{"b", "c"}, "group": "x"},
		storage.Document{"_id": "3", "tags": []any{"z"}, "group": "y"},
	)

	values, err := coll.Distinct(ctx, "tags", storage.Document{"group": "x"}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{"a", "b", "c"}, values)

	missing, err := coll.Distinct(ctx, "nope", nil, nil)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func CountTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	coll := seed(t, ds, "count",
		storage.Document{"_id": "1"},
		storage.Document{"_id": "2"},
		storage.Document{"_id": "3"},
	)

	n, err := coll.Count(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = coll.Count(ctx, nil, storage.Options{storage.OptSkip: int64(2)})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = coll.Count(ctx, nil, storage.Options{storage.OptLimit: int64(2)})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = coll.Count(ctx, nil, storage.Options{storage.OptSkip: int64(5)})
	require.NoError(t, err)
	require.Zero(t, n)
}
