package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/doqm/doqm/pkg/storage"
	"github.com/doqm/doqm/pkg/storage/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	ds, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func TestSQLiteDatastore(t *testing.T) {
	ds := newTestDatastore(t)
	test.RunAllTests(t, ds)
}

func TestPrepareDSN(t *testing.T) {
	t.Run("sets_default_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("file:test.db")
		require.NoError(t, err)
		require.Contains(t, uri, "journal_mode%28WAL%29")
		require.Contains(t, uri, "busy_timeout%28100%29")
		require.Contains(t, uri, "_txlock=immediate")
	})

	t.Run("keeps_explicit_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("file:test.db?_pragma=busy_timeout%28500%29")
		require.NoError(t, err)
		require.Contains(t, uri, "busy_timeout%28500%29")
		require.NotContains(t, uri, "busy_timeout%28100%29")
	})

	t.Run("invalid_query_string", func(t *testing.T) {
		_, err := PrepareDSN("file:test.db?_pragma=%zz")
		require.Error(t, err)
	})
}

func TestDocumentsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	ds, err := New(path)
	require.NoError(t, err)

	_, err = ds.Collection("users").InsertOne(ctx, storage.Document{"_id": "u1", "name": "a"}, nil)
	require.NoError(t, err)
	ds.Close()

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	iter, err := reopened.Collection("users").Find(ctx, storage.Document{"_id": "u1"}, nil)
	require.NoError(t, err)
	docs, err := storage.Collect(ctx, iter)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a", docs[0]["name"])
}

func TestCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	_, err := ds.Collection("a").InsertOne(ctx, storage.Document{"_id": "1"}, nil)
	require.NoError(t, err)
	// same identifier in another collection must not collide
	_, err = ds.Collection("b").InsertOne(ctx, storage.Document{"_id": "1"}, nil)
	require.NoError(t, err)

	n, err := ds.Collection("a").Count(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestFindStreamsWithoutSort(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	coll := ds.Collection("stream")

	for _, doc := range []storage.Document{
		{"_id": "1", "group": "x"},
		{"_id": "2", "group": "y"},
		{"_id": "3", "group": "x"},
	} {
		_, err := coll.InsertOne(ctx, doc, nil)
		require.NoError(t, err)
	}

	iter, err := coll.Find(ctx, storage.Document{"group": "x"}, storage.Options{
		storage.OptLimit:      int64(1),
		storage.OptProjection: storage.Document{"group": 1},
	})
	require.NoError(t, err)
	defer iter.Stop()

	doc, err := iter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", doc["group"])

	_, err = iter.Next(ctx)
	require.ErrorIs(t, err, storage.ErrIteratorDone)
}

func TestFindIteratorStopReleasesRows(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	coll := ds.Collection("stop")

	_, err := coll.InsertOne(ctx, storage.Document{"_id": "1"}, nil)
	require.NoError(t, err)

	iter, err := coll.Find(ctx, nil, nil)
	require.NoError(t, err)

	_, err = iter.Next(ctx)
	require.NoError(t, err)
	iter.Stop()

	// a write after Stop must not be blocked by a lingering read
	_, err = coll.InsertOne(ctx, storage.Document{"_id": "2"}, nil)
	require.NoError(t, err)
}

func TestHandleSQLError(t *testing.T) {
	require.ErrorIs(t, handleSQLError(sql.ErrNoRows), storage.ErrNotFound)

	wrapped := handleSQLError(context.DeadlineExceeded)
	require.ErrorIs(t, wrapped, context.DeadlineExceeded)
}
