package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsClone(t *testing.T) {
	orig := Options{OptLimit: int64(5), OptProjection: Document{"a": 1}}

	cloned := orig.Clone()
	cloned[OptLimit] = int64(10)

	require.Equal(t, int64(5), orig[OptLimit])

	var nilOpts Options
	require.NotNil(t, nilOpts.Clone())
}

func TestOptionsInt64(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected int64
		ok       bool
	}{
		{name: "int64", value: int64(7), expected: 7, ok: true},
		{name: "int", value: 7, expected: 7, ok: true},
		{name: "float64", value: float64(7), expected: 7, ok: true},
		{name: "string", value: "7", ok: false},
		{name: "missing", value: nil, ok: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := Options{}
			if test.value != nil {
				opts[OptLimit] = test.value
			}
			got, ok := opts.Int64(OptLimit)
			require.Equal(t, test.ok, ok)
			if ok {
				require.Equal(t, test.expected, got)
			}
		})
	}
}

func TestOptionsAccessors(t *testing.T) {
	order := []SortField{{Field: "a", Desc: true}}
	opts := Options{
		OptUpsert:         true,
		OptReturnDocument: ReturnDocumentAfter,
		OptProjection:     Document{"a": 1},
		OptSort:           order,
	}

	require.True(t, opts.Bool(OptUpsert))
	require.False(t, opts.Bool(OptReadPreference))
	require.Equal(t, ReturnDocumentAfter, opts.String(OptReturnDocument))
	require.Equal(t, Document{"a": 1}, opts.Document(OptProjection))
	require.Equal(t, order, opts.Sort(OptSort))
	require.Nil(t, opts.Sort(OptHint))
}
