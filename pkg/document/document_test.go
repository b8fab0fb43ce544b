package document

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/storage"
)

func TestClone(t *testing.T) {
	t.Run("nil_document", func(t *testing.T) {
		require.Nil(t, Clone(nil))
	})

	t.Run("deep_copy", func(t *testing.T) {
		doc := storage.Document{
			"name": "a",
			"nested": storage.Document{
				"tags": []any{"x", "y"},
			},
		}

		cloned := Clone(doc)
		require.Empty(t, cmp.Diff(doc, cloned))

		cloned["nested"].(storage.Document)["tags"].([]any)[0] = "mutated"
		require.Equal(t, "x", doc["nested"].(storage.Document)["tags"].([]any)[0])
	})
}

func TestEncodeIsCanonical(t *testing.T) {
	a, err := Encode(storage.Document{"b": 2, "a": 1, "c": storage.Document{"y": 1, "x": 2}})
	require.NoError(t, err)

	b, err := Encode(storage.Document{"c": storage.Document{"x": 2, "y": 1}, "a": 1, "b": 2})
	require.NoError(t, err)

	require.Equal(t, string(a), string(b))
}

func TestEncodeInvalidDocument(t *testing.T) {
	_, err := Encode(storage.Document{"fn": func() {}})
	require.ErrorIs(t, err, storage.ErrInvalidDocument)
}

func TestDecodeInvalidDocument(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.ErrorIs(t, err, storage.ErrInvalidDocument)
}

func TestGet(t *testing.T) {
	doc := storage.Document{
		"a": storage.Document{"b": storage.Document{"c": 42}},
		"s": "leaf",
	}

	v, ok := Get(doc, "a.b.c")
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = Get(doc, "a.b.missing")
	require.False(t, ok)

	_, ok = Get(doc, "s.through.scalar")
	require.False(t, ok)
}

func TestApplyUpdate(t *testing.T) {
	base := storage.Document{"count": 1, "name": "a", "tags": []any{"x"}}

	t.Run("set", func(t *testing.T) {
		out, err := ApplyUpdate(base, storage.Document{"$set": storage.Document{"name": "b", "nested.flag": true}})
		require.NoError(t, err)
		require.Equal(t, "b", out["name"])
		v, ok := Get(out, "nested.flag")
		require.True(t, ok)
		require.Equal(t, true, v)
		// the input stays untouched
		require.Equal(t, "a", base["name"])
	})

	t.Run("unset", func(t *testing.T) {
		out, err := ApplyUpdate(base, storage.Document{"$unset": storage.Document{"name": ""}})
		require.NoError(t, err)
		require.NotContains(t, out, "name")
	})

	t.Run("inc", func(t *testing.T) {
		out, err := ApplyUpdate(base, storage.Document{"$inc": storage.Document{"count": 2, "fresh": 5}})
		require.NoError(t, err)
		require.Equal(t, float64(3), out["count"])
		require.Equal(t, float64(5), out["fresh"])
	})

	t.Run("inc_non_numeric_field", func(t *testing.T) {
		_, err := ApplyUpdate(base, storage.Document{"$inc": storage.Document{"name": 1}})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})

	t.Run("push", func(t *testing.T) {
		out, err := ApplyUpdate(base, storage.Document{"$push": storage.Document{"tags": "y"}})
		require.NoError(t, err)
		require.Equal(t, []any{"x", "y"}, out["tags"])
	})

	t.Run("push_non_array_field", func(t *testing.T) {
		_, err := ApplyUpdate(base, storage.Document{"$push": storage.Document{"count": 1}})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})

	t.Run("unsupported_operator", func(t *testing.T) {
		_, err := ApplyUpdate(base, storage.Document{"$rename": storage.Document{"name": "title"}})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})

	t.Run("non_document_argument", func(t *testing.T) {
		_, err := ApplyUpdate(base, storage.Document{"$set": "oops"})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})
}

func TestProject(t *testing.T) {
	doc := storage.Document{"_id": "1", "a": 1, "b": 2, "c": storage.Document{"d": 3}}

	tests := []struct {
		name       string
		projection storage.Document
		expected   storage.Document
	}{
		{
			name:       "empty_projection_returns_document",
			projection: storage.Document{},
			expected:   doc,
		},
		{
			name:       "include_keeps_id",
			projection: storage.Document{"a": 1},
			expected:   storage.Document{"_id": "1", "a": 1},
		},
		{
			name:       "include_with_id_excluded",
			projection: storage.Document{"a": 1, "_id": 0},
			expected:   storage.Document{"a": 1},
		},
		{
			name:       "include_dotted_path",
			projection: storage.Document{"c.d": 1},
			expected:   storage.Document{"_id": "1", "c": storage.Document{"d": 3}},
		},
		{
			name:       "exclude_mode",
			projection: storage.Document{"b": 0},
			expected:   storage.Document{"_id": "1", "a": 1, "c": storage.Document{"d": 3}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Project(doc, test.projection)
			require.Empty(t, cmp.Diff(test.expected, got))
		})
	}
}

func TestSort(t *testing.T) {
	docs := []storage.Document{
		{"name": "b", "age": 30},
		{"name": "a", "age": 30},
		{"name": "c", "age": 20},
	}

	Sort(docs, []storage.SortField{{Field: "age"}, {Field: "name", Desc: true}})

	require.Equal(t, "c", docs[0]["name"])
	require.Equal(t, "b", docs[1]["name"])
	require.Equal(t, "a", docs[2]["name"])
}

func TestLessSkipsIncomparableFields(t *testing.T) {
	a := storage.Document{"x": "str", "y": 1}
	b := storage.Document{"x": 2, "y": 2}

	// x is not mutually comparable, so y decides.
	require.True(t, Less(a, b, []storage.SortField{{Field: "x"}, {Field: "y"}}))
}

func TestCompare(t *testing.T) {
	c, ok := Compare(1, int64(2))
	require.True(t, ok)
	require.Equal(t, -1, c)

	c, ok = Compare("b", "a")
	require.True(t, ok)
	require.Equal(t, 1, c)

	c, ok = Compare(false, true)
	require.True(t, ok)
	require.Equal(t, -1, c)

	_, ok = Compare("a", 1)
	require.False(t, ok)
}

func TestEqual(t *testing.T) {
	require.True(t, Equal(5, float64(5)))
	require.True(t, Equal("a", "a"))
	require.True(t, Equal(storage.Document{"a": 1}, storage.Document{"a": 1}))
	require.False(t, Equal(5, "5"))
	require.False(t, Equal(storage.Document{"a": 1}, storage.Document{"a": 2}))
}
