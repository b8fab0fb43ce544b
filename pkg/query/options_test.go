package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/storage"
)

func int64p(v int64) *int64 {
	return &v
}

func TestProjectOptionsFind(t *testing.T) {
	t.Run("renames_select_and_drops_nil", func(t *testing.T) {
		spec := &FindSpec{
			Select: storage.Document{"a": 1},
			Limit:  nil,
		}

		opts := projectOptions(spec, nil)
		require.Empty(t, cmp.Diff(storage.Options{
			storage.OptProjection: storage.Document{"a": 1},
		}, opts))
	})

	t.Run("projects_every_admitted_key", func(t *testing.T) {
		order := []storage.SortField{{Field: "name", Desc: true}}
		spec := &FindSpec{
			Filter:         storage.Document{"x": 1},
			Select:         storage.Document{"a": 1},
			Sort:           order,
			Skip:           int64p(2),
			Limit:          int64p(5),
			Hint:           "name_idx",
			ReadPreference: "secondary",
		}

		opts := projectOptions(spec, nil)
		require.Empty(t, cmp.Diff(storage.Options{
			storage.OptProjection:     storage.Document{"a": 1},
			storage.OptSort:           order,
			storage.OptSkip:           int64(2),
			storage.OptLimit:          int64(5),
			storage.OptHint:           "name_idx",
			storage.OptReadPreference: "secondary",
		}, opts))
	})

	t.Run("projected_keys_win_over_passthrough", func(t *testing.T) {
		spec := &FindSpec{Limit: int64p(5)}

		opts := projectOptions(spec, storage.Options{
			storage.OptLimit: int64(99),
			"custom":         "kept",
		})
		require.Equal(t, int64(5), opts[storage.OptLimit])
		require.Equal(t, "kept", opts["custom"])
	})

	t.Run("passthrough_is_not_mutated", func(t *testing.T) {
		passthrough := storage.Options{"custom": "v"}
		_ = projectOptions(&FindSpec{Limit: int64p(1)}, passthrough)
		require.NotContains(t, passthrough, storage.OptLimit)
	})
}

func TestProjectOptionsFindAndUpdate(t *testing.T) {
	t.Run("return_document_is_always_derived", func(t *testing.T) {
		opts := projectOptions(&FindAndUpdateSpec{}, nil)
		require.Equal(t, storage.ReturnDocumentBefore, opts[storage.OptReturnDocument])
		require.NotContains(t, opts, storage.OptUpsert)

		opts = projectOptions(&FindAndUpdateSpec{ReturnNew: true}, nil)
		require.Equal(t, storage.ReturnDocumentAfter, opts[storage.OptReturnDocument])
	})

	t.Run("upsert_projected_only_when_true", func(t *testing.T) {
		opts := projectOptions(&FindAndUpdateSpec{Upsert: true}, nil)
		require.Equal(t, true, opts[storage.OptUpsert])
	})

	t.Run("select_and_sort", func(t *testing.T) {
		order := []storage.SortField{{Field: "rank"}}
		opts := projectOptions(&FindAndUpdateSpec{
			Select: storage.Document{"a": 1},
			Sort:   order,
		}, nil)
		require.Equal(t, storage.Document{"a": 1}, opts[storage.OptProjection])
		require.Equal(t, order, opts[storage.OptSort])
	})
}

func TestProjectOptionsByKind(t *testing.T) {
	t.Run("find_and_remove", func(t *testing.T) {
		opts := projectOptions(&FindAndRemoveSpec{Select: storage.Document{"a": 1}}, nil)
		require.Equal(t, storage.Document{"a": 1}, opts[storage.OptProjection])
		require.NotContains(t, opts, storage.OptReturnDocument)
	})

	t.Run("insert_and_remove_are_passthrough_only", func(t *testing.T) {
		opts := projectOptions(&InsertSpec{Document: storage.Document{"a": 1}}, storage.Options{"custom": 1})
		require.Empty(t, cmp.Diff(storage.Options{"custom": 1}, opts))

		opts = projectOptions(&RemoveSpec{Filter: storage.Document{"a": 1}}, storage.Options{"custom": 1})
		require.Empty(t, cmp.Diff(storage.Options{"custom": 1}, opts))
	})

	t.Run("update_projects_upsert_only_when_true", func(t *testing.T) {
		opts := projectOptions(&UpdateSpec{}, nil)
		require.NotContains(t, opts, storage.OptUpsert)

		opts = projectOptions(&UpdateSpec{Upsert: true}, nil)
		require.Equal(t, true, opts[storage.OptUpsert])
	})

	t.Run("distinct_projects_read_preference", func(t *testing.T) {
		opts := projectOptions(&DistinctSpec{ReadPreference: "secondary"}, nil)
		require.Empty(t, cmp.Diff(storage.Options{storage.OptReadPreference: "secondary"}, opts))
	})

	t.Run("count_projects_window_and_hint", func(t *testing.T) {
		opts := projectOptions(&CountSpec{
			Hint:  "idx",
			Limit: int64p(10),
			Skip:  int64p(2),
		}, nil)
		require.Empty(t, cmp.Diff(storage.Options{
			storage.OptHint:  "idx",
			storage.OptLimit: int64(10),
			storage.OptSkip:  int64(2),
		}, opts))
	})
}
