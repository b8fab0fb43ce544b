package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/storage"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindFind, "find"},
		{KindFindAndUpdate, "findAndUpdate"},
		{KindFindAndRemove, "findAndRemove"},
		{KindInsert, "insert"},
		{KindUpdate, "update"},
		{KindRemove, "remove"},
		{KindDistinct, "distinct"},
		{KindCount, "count"},
		{Kind(99), "unknown"},
	}

	for _, test := range tests {
		require.Equal(t, test.expected, test.kind.String())
	}
}

func TestSpecKinds(t *testing.T) {
	specs := map[Kind]Spec{
		KindFind:          &FindSpec{},
		KindFindAndUpdate: &FindAndUpdateSpec{},
		KindFindAndRemove: &FindAndRemoveSpec{},
		KindInsert:        &InsertSpec{},
		KindUpdate:        &UpdateSpec{},
		KindRemove:        &RemoveSpec{},
		KindDistinct:      &DistinctSpec{},
		KindCount:         &CountSpec{},
	}

	for kind, spec := range specs {
		require.Equal(t, kind, spec.Kind())
	}
}

func TestIsUpdateOperatorDocument(t *testing.T) {
	tests := []struct {
		name     string
		doc      storage.Document
		operator bool
	}{
		{name: "set_operator", doc: storage.Document{"$set": storage.Document{"a": 1}}, operator: true},
		{name: "inc_operator", doc: storage.Document{"$inc": storage.Document{"a": 1}}, operator: true},
		{name: "replacement", doc: storage.Document{"a": 1, "b": 2}, operator: false},
		{name: "empty", doc: storage.Document{}, operator: false},
		{name: "nil", doc: nil, operator: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.operator, isUpdateOperatorDocument(test.doc))
		})
	}
}
