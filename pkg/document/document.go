// Package document provides helpers shared by the storage backends: deep
// copies, canonical JSON encoding, dotted-path access, update-operator
// application, projection and sorting.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/doqm/doqm/pkg/storage"
)

// Clone returns a deep copy of doc. Nested Documents and slices are copied;
// scalar values are shared.
func Clone(doc storage.Document) storage.Document {
	if doc == nil {
		return nil
	}
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case storage.Document:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Encode returns the canonical JSON encoding of doc. encoding/json writes map
// keys in sorted order, so equal documents encode to equal bytes.
func Encode(doc storage.Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidDocument, err)
	}
	return raw, nil
}

// Decode parses a canonical JSON encoding back into a Document.
func Decode(raw []byte) (storage.Document, error) {
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidDocument, err)
	}
	return doc, nil
}

// Get resolves a dotted field path against doc. It returns ok=false when any
// path segment is missing or not a nested document.
func Get(doc storage.Document, path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur := any(doc)
	for _, seg := range segments {
		m, ok := cur.(storage.Document)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func set(doc storage.Document, path string, value any) {
	segments := strings.Split(path, ".")
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(storage.Document)
		if !ok {
			next = storage.Document{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}

func unset(doc storage.Document, path string) {
	segments := strings.Split(path, ".")
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(storage.Document)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segments[len(segments)-1])
}

// ApplyUpdate applies an update-operator document to doc and returns the
// updated copy. The input document is not modified. Supported operators:
// $set, $unset, $inc, $push.
func ApplyUpdate(doc, update storage.Document) (storage.Document, error) {
	out := Clone(doc)
	if out == nil {
		out = storage.Document{}
	}

	for op, arg := range update {
		fields, ok := arg.(storage.Document)
		if !ok {
			return nil, fmt.Errorf("%w: operator %q takes a document argument", storage.ErrInvalidUpdate, op)
		}

		switch op {
		case "$set":
			for path, v := range fields {
				set(out, path, cloneValue(v))
			}
		case "$unset":
			for path := range fields {
				unset(out, path)
			}
		case "$inc":
			for path, v := range fields {
				delta, ok := toFloat(v)
				if !ok {
					return nil, fmt.Errorf("%w: $inc of non-numeric value for %q", storage.ErrInvalidUpdate, path)
				}
				cur, _ := Get(out, path)
				base, ok := toFloat(cur)
				if cur != nil && !ok {
					return nil, fmt.Errorf("%w: $inc against non-numeric field %q", storage.ErrInvalidUpdate, path)
				}
				set(out, path, base+delta)
			}
		case "$push":
			for path, v := range fields {
				cur, _ := Get(out, path)
				slice, ok := cur.([]any)
				if cur != nil && !ok {
					return nil, fmt.Errorf("%w: $push against non-array field %q", storage.ErrInvalidUpdate, path)
				}
				set(out, path, append(slice, cloneValue(v)))
			}
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", storage.ErrInvalidUpdate, op)
		}
	}

	return out, nil
}

// Project applies a projection document. A projection with any truthy value
// (other than on _id) selects include mode: listed fields are kept, plus _id
// unless explicitly excluded. Otherwise listed fields are dropped.
func Project(doc, projection storage.Document) storage.Document {
	if len(projection) == 0 {
		return doc
	}

	include := false
	for field, v := range projection {
		if field == storage.IDField {
			continue
		}
		if truthy(v) {
			include = true
			break
		}
	}

	out := storage.Document{}
	if include {
		for field, v := range projection {
			if !truthy(v) {
				continue
			}
			if value, ok := Get(doc, field); ok {
				set(out, field, value)
			}
		}
		idProj, listed := projection[storage.IDField]
		if !listed || truthy(idProj) {
			if id, ok := doc[storage.IDField]; ok {
				out[storage.IDField] = id
			}
		}
		return out
	}

	for k, v := range doc {
		out[k] = v
	}
	for field, v := range projection {
		if !truthy(v) {
			unset(out, field)
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

// Sort orders docs in place by the given sort order. The sort is stable so
// that equal documents keep the store's native order.
func Sort(docs []storage.Document, order []storage.SortField) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j], order)
	})
}

// Less reports whether a orders before b under the given sort order. Fields
// that are missing or not mutually comparable are skipped.
func Less(a, b storage.Document, order []storage.SortField) bool {
	for _, sf := range order {
		av, _ := Get(a, sf.Field)
		bv, _ := Get(b, sf.Field)
		c, ok := Compare(av, bv)
		if !ok || c == 0 {
			continue
		}
		if sf.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// Compare orders two scalar values. Numbers order numerically, strings
// lexicographically, and false sorts before true. ok is false when the values
// are not mutually comparable.
func Compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}

	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !ba && bb:
			return -1, true
		case ba && !bb:
			return 1, true
		}
		return 0, true
	}

	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Equal reports whether two values have the same canonical JSON encoding.
// Numeric types are normalized, so int(5) equals float64(5).
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
