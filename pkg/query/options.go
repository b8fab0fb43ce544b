package query

import (
	"github.com/doqm/doqm/pkg/storage"
)

// projectOptions derives the per-call store options for a specification: only
// the keys the operation kind admits are taken from the specification,
// renamed to their canonical option keys (Select becomes "projection"), and
// nil-valued fields are dropped.
//
// The caller's pass-through options are merged first and projected keys are
// applied after, so on conflict the projected keys win.
func projectOptions(spec Spec, passthrough storage.Options) storage.Options {
	opts := passthrough.Clone()

	switch s := spec.(type) {
	case *FindSpec:
		setDocument(opts, storage.OptProjection, s.Select)
		setSort(opts, s.Sort)
		setInt64(opts, storage.OptSkip, s.Skip)
		setInt64(opts, storage.OptLimit, s.Limit)
		setValue(opts, storage.OptReadPreference, s.ReadPreference)
		setValue(opts, storage.OptHint, s.Hint)

	case *FindAndUpdateSpec:
		setDocument(opts, storage.OptProjection, s.Select)
		setSort(opts, s.Sort)
		if s.Upsert {
			opts[storage.OptUpsert] = true
		}
		if s.ReturnNew {
			opts[storage.OptReturnDocument] = storage.ReturnDocumentAfter
		} else {
			opts[storage.OptReturnDocument] = storage.ReturnDocumentBefore
		}

	case *FindAndRemoveSpec:
		setDocument(opts, storage.OptProjection, s.Select)
		setSort(opts, s.Sort)

	case *InsertSpec, *RemoveSpec:
		// Pass-through options only.

	case *UpdateSpec:
		if s.Upsert {
			opts[storage.OptUpsert] = true
		}

	case *DistinctSpec:
		setValue(opts, storage.OptReadPreference, s.ReadPreference)

	case *CountSpec:
		setValue(opts, storage.OptHint, s.Hint)
		setInt64(opts, storage.OptLimit, s.Limit)
		setInt64(opts, storage.OptSkip, s.Skip)
		setValue(opts, storage.OptReadPreference, s.ReadPreference)
	}

	return opts
}

func setDocument(opts storage.Options, key string, doc storage.Document) {
	if doc != nil {
		opts[key] = doc
	}
}

func setSort(opts storage.Options, order []storage.SortField) {
	if len(order) > 0 {
		opts[storage.OptSort] = order
	}
}

func setInt64(opts storage.Options, key string, v *int64) {
	if v != nil {
		opts[key] = *v
	}
}

func setValue(opts storage.Options, key string, v any) {
	if v != nil {
		opts[key] = v
	}
}
