package document

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/doqm/doqm/pkg/storage"
)

// Match reports whether the JSON-encoded document matches the filter. All
// filter conditions must hold. A nil or empty filter matches everything.
//
// Supported per-field conditions: direct equality, and the operator documents
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists. A field holding an
// array matches equality and $in conditions when any element matches.
func Match(raw []byte, filter storage.Document) bool {
	for path, cond := range filter {
		if !matchField(gjson.GetBytes(raw, path), cond) {
			return false
		}
	}
	return true
}

// MatchDocument is Match for an in-memory document; it encodes doc first.
func MatchDocument(doc, filter storage.Document) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	raw, err := Encode(doc)
	if err != nil {
		return false, err
	}
	return Match(raw, filter), nil
}

func matchField(res gjson.Result, cond any) bool {
	if ops, ok := operatorDocument(cond); ok {
		for op, arg := range ops {
			if !matchOperator(res, op, arg) {
				return false
			}
		}
		return true
	}
	return matchEquality(res, cond)
}

// operatorDocument reports whether cond is a document whose keys are all
// query operators, e.g. {"$gt": 5}.
func operatorDocument(cond any) (storage.Document, bool) {
	doc, ok := cond.(storage.Document)
	if !ok || len(doc) == 0 {
		return nil, false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return doc, true
}

func matchOperator(res gjson.Result, op string, arg any) bool {
	switch op {
	case "$eq":
		return matchEquality(res, arg)
	case "$ne":
		return !matchEquality(res, arg)
	case "$exists":
		want, _ := arg.(bool)
		return res.Exists() == want
	case "$in":
		values, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if matchEquality(res, v) {
				return true
			}
		}
		return false
	case "$nin":
		return !matchOperator(res, "$in", arg)
	case "$gt", "$gte", "$lt", "$lte":
		if !res.Exists() {
			return false
		}
		c, ok := Compare(res.Value(), arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

func matchEquality(res gjson.Result, want any) bool {
	if !res.Exists() {
		return want == nil
	}
	if Equal(res.Value(), want) {
		return true
	}
	// Array fields match when any element equals the condition.
	if res.IsArray() {
		for _, elem := range res.Array() {
			if Equal(elem.Value(), want) {
				return true
			}
		}
	}
	return false
}
