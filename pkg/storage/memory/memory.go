// Package memory provides an in-memory implementation of [storage.Datastore],
// used in tests and as the reference semantics for the other backends.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/doqm/doqm/pkg/document"
	"github.com/doqm/doqm/pkg/logger"
	"github.com/doqm/doqm/pkg/storage"
)

var tracer = otel.Tracer("doqm/pkg/storage/memory")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memory."+name)
}

// Datastore is an in-memory [storage.Datastore]. Collections are created
// lazily on first use.
type Datastore struct {
	mu          sync.Mutex
	collections map[string]*Collection
	logger      logger.Logger
}

var _ storage.Datastore = (*Datastore)(nil)

type Option func(*Datastore)

func WithLogger(l logger.Logger) Option {
	return func(d *Datastore) {
		d.logger = l
	}
}

// New creates a new [Datastore].
func New(opts ...Option) *Datastore {
	d := &Datastore{
		collections: make(map[string]*Collection),
		logger:      logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Collection see [storage.Datastore].Collection.
func (d *Datastore) Collection(name string) storage.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.collections[name]
	if !ok {
		c = &Collection{name: name, logger: d.logger}
		d.collections[name] = c
	}
	return c
}

// Close see [storage.Datastore].Close.
func (d *Datastore) Close() {}

// record keeps a document together with its canonical JSON encoding so that
// filters can be matched without re-encoding on every read.
type record struct {
	id  any
	doc storage.Document
	raw []byte
}

func newRecord(doc storage.Document) (*record, error) {
	raw, err := document.Encode(doc)
	if err != nil {
		return nil, err
	}
	return &record{id: doc[storage.IDField], doc: doc, raw: raw}, nil
}

// Collection is an in-memory [storage.Collection]. Documents keep their
// insertion order, which is the collection's native result order.
type Collection struct {
	mu      sync.Mutex
	name    string
	records []*record
	logger  logger.Logger
}

var _ storage.Collection = (*Collection)(nil)

// Name see [storage.Collection].Name.
func (c *Collection) Name() string {
	return c.name
}

// Find see [storage.Collection].Find. The hint and readPreference options are
// accepted and ignored; an in-memory store has neither indexes nor replicas.
func (c *Collection) Find(ctx context.Context, filter storage.Document, opts storage.Options) (storage.DocumentIterator, error) {
	_, span := startTrace(ctx, "Find")
	defer span.End()

	c.mu.Lock()
	matches, err := c.matchLocked(filter)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	docs := make([]storage.Document, 0, len(matches))
	for _, r := range matches {
		docs = append(docs, document.Clone(r.doc))
	}
	docs = applyQueryOptions(docs, opts)

	return storage.NewStaticDocumentIterator(docs), nil
}

// FindOneAndUpdate see [storage.Collection].FindOneAndUpdate.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.Document, error) {
	_, span := startTrace(ctx, "FindOneAndUpdate")
	defer span.End()

	return c.findOneAndModify(filter, opts, func(r *record) (storage.Document, error) {
		return document.ApplyUpdate(r.doc, update)
	}, update, opts.Bool(storage.OptUpsert))
}

// FindOneAndReplace see [storage.Collection].FindOneAndReplace.
func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.Document, error) {
	_, span := startTrace(ctx, "FindOneAndReplace")
	defer span.End()

	return c.findOneAndModify(filter, opts, func(r *record) (storage.Document, error) {
		next := document.Clone(replacement)
		next[storage.IDField] = r.id
		return next, nil
	}, replacement, opts.Bool(storage.OptUpsert))
}

// FindOneAndDelete see [storage.Collection].FindOneAndDelete.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter storage.Document, opts storage.Options) (storage.Document, error) {
	_, span := startTrace(ctx, "FindOneAndDelete")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	target, err := c.selectOneLocked(filter, opts)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, storage.ErrNotFound
	}

	for i, r := range c.records {
		if r == target {
			c.records = append(c.records[:i], c.records[i+1:]...)
			break
		}
	}

	return projectResult(target.doc, opts), nil
}

// InsertOne see [storage.Collection].InsertOne.
func (c *Collection) InsertOne(ctx context.Context, doc storage.Document, _ storage.Options) (storage.WriteResult, error) {
	_, span := startTrace(ctx, "InsertOne")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := document.Clone(doc)
	if stored == nil {
		stored = storage.Document{}
	}
	if _, ok := stored[storage.IDField]; !ok {
		stored[storage.IDField] = ulid.Make().String()
	}

	id := stored[storage.IDField]
	for _, r := range c.records {
		if document.Equal(r.id, id) {
			return storage.WriteResult{}, storage.ErrCollision
		}
	}

	r, err := newRecord(stored)
	if err != nil {
		return storage.WriteResult{}, err
	}
	c.records = append(c.records, r)

	return storage.WriteResult{InsertedID: id}, nil
}

// UpdateOne see [storage.Collection].UpdateOne.
func (c *Collection) UpdateOne(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	_, span := startTrace(ctx, "UpdateOne")
	defer span.End()

	return c.update(filter, update, opts, false)
}

// UpdateMany see [storage.Collection].UpdateMany.
func (c *Collection) UpdateMany(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	_, span := startTrace(ctx, "UpdateMany")
	defer span.End()

	return c.update(filter, update, opts, true)
}

// ReplaceOne see [storage.Collection].ReplaceOne.
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.WriteResult, error) {
	_, span := startTrace(ctx, "ReplaceOne")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	matches, err := c.matchLocked(filter)
	if err != nil {
		return storage.WriteResult{}, err
	}

	if len(matches) == 0 {
		if opts.Bool(storage.OptUpsert) {
			return c.upsertLocked(filter, replacement, false)
		}
		return storage.WriteResult{}, nil
	}

	r := matches[0]
	next := document.Clone(replacement)
	next[storage.IDField] = r.id

	return c.storeLocked(r, next)
}

// DeleteMany see [storage.Collection].DeleteMany.
func (c *Collection) DeleteMany(ctx context.Context, filter storage.Document, _ storage.Options) (storage.WriteResult, error) {
	_, span := startTrace(ctx, "DeleteMany")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	var kept []*record
	var deleted int64
	for _, r := range c.records {
		ok := document.Match(r.raw, filter)
		if ok {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept

	return storage.WriteResult{DeletedCount: deleted}, nil
}

// Distinct see [storage.Collection].Distinct. Array field values are
// unwound: each element counts as one candidate value.
func (c *Collection) Distinct(ctx context.Context, field string, filter storage.Document, _ storage.Options) ([]any, error) {
	_, span := startTrace(ctx, "Distinct")
	defer span.End()

	c.mu.Lock()
	matches, err := c.matchLocked(filter)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var values []any
	collect := func(v any) {
		key, err := document.Encode(storage.Document{"v": v})
		if err != nil {
			return
		}
		if _, ok := seen[string(key)]; ok {
			return
		}
		seen[string(key)] = struct{}{}
		values = append(values, v)
	}

	for _, r := range matches {
		v, ok := document.Get(r.doc, field)
		if !ok {
			continue
		}
		if elems, isSlice := v.([]any); isSlice {
			for _, e := range elems {
				collect(e)
			}
			continue
		}
		collect(v)
	}

	return values, nil
}

// Count see [storage.Collection].Count.
func (c *Collection) Count(ctx context.Context, filter storage.Document, opts storage.Options) (int64, error) {
	_, span := startTrace(ctx, "Count")
	defer span.End()

	c.mu.Lock()
	matches, err := c.matchLocked(filter)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n := int64(len(matches))
	if skip, ok := opts.Int64(storage.OptSkip); ok && skip > 0 {
		n -= skip
		if n < 0 {
			n = 0
		}
	}
	if limit, ok := opts.Int64(storage.OptLimit); ok && limit > 0 && n > limit {
		n = limit
	}

	return n, nil
}

func (c *Collection) matchLocked(filter storage.Document) ([]*record, error) {
	var matches []*record
	for _, r := range c.records {
		if document.Match(r.raw, filter) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// selectOneLocked returns the first matching record honoring the sort option,
// or nil when nothing matched.
func (c *Collection) selectOneLocked(filter storage.Document, opts storage.Options) (*record, error) {
	matches, err := c.matchLocked(filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	if order := opts.Sort(storage.OptSort); len(order) > 0 {
		sorted := make([]*record, len(matches))
		copy(sorted, matches)
		sort.SliceStable(sorted, func(i, j int) bool {
			return document.Less(sorted[i].doc, sorted[j].doc, order)
		})
		return sorted[0], nil
	}

	return matches[0], nil
}

func (c *Collection) findOneAndModify(filter storage.Document, opts storage.Options, modify func(*record) (storage.Document, error), seed storage.Document, upsert bool) (storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, err := c.selectOneLocked(filter, opts)
	if err != nil {
		return nil, err
	}

	returnAfter := opts.String(storage.OptReturnDocument) == storage.ReturnDocumentAfter

	if target == nil {
		if !upsert {
			return nil, storage.ErrNotFound
		}
		res, err := c.upsertLocked(filter, seed, isOperatorDocument(seed))
		if err != nil {
			return nil, err
		}
		if !returnAfter {
			return nil, storage.ErrNotFound
		}
		for _, r := range c.records {
			if document.Equal(r.id, res.UpsertedID) {
				return projectResult(r.doc, opts), nil
			}
		}
		return nil, storage.ErrNotFound
	}

	before := document.Clone(target.doc)
	next, err := modify(target)
	if err != nil {
		return nil, err
	}
	if _, err := c.storeLocked(target, next); err != nil {
		return nil, err
	}

	if returnAfter {
		return projectResult(target.doc, opts), nil
	}
	return projectResult(before, opts), nil
}

func (c *Collection) update(filter, update storage.Document, opts storage.Options, multi bool) (storage.WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	matches, err := c.matchLocked(filter)
	if err != nil {
		return storage.WriteResult{}, err
	}

	if len(matches) == 0 {
		if opts.Bool(storage.OptUpsert) {
			return c.upsertLocked(filter, update, true)
		}
		return storage.WriteResult{}, nil
	}
	if !multi {
		matches = matches[:1]
	}

	var result storage.WriteResult
	for _, r := range matches {
		next, err := document.ApplyUpdate(r.doc, update)
		if err != nil {
			return result, err
		}
		res, err := c.storeLocked(r, next)
		if err != nil {
			return result, err
		}
		result.MatchedCount += res.MatchedCount
		result.ModifiedCount += res.ModifiedCount
	}

	return result, nil
}

// storeLocked replaces the record's document, re-encoding its raw form and
// counting it as modified only when the encoding actually changed.
func (c *Collection) storeLocked(r *record, next storage.Document) (storage.WriteResult, error) {
	next[storage.IDField] = r.id
	raw, err := document.Encode(next)
	if err != nil {
		return storage.WriteResult{}, err
	}

	result := storage.WriteResult{MatchedCount: 1}
	if string(raw) != string(r.raw) {
		result.ModifiedCount = 1
	}
	r.doc = next
	r.raw = raw

	return result, nil
}

// upsertLocked seeds a new document from the equality conditions of the
// filter, applies the update (or uses the replacement as-is) and inserts it.
func (c *Collection) upsertLocked(filter, updateOrReplacement storage.Document, isUpdate bool) (storage.WriteResult, error) {
	seed := storage.Document{}
	for k, v := range filter {
		if isOperatorValue(v) {
			continue
		}
		seed[k] = v
	}

	var doc storage.Document
	if isUpdate {
		next, err := document.ApplyUpdate(seed, updateOrReplacement)
		if err != nil {
			return storage.WriteResult{}, err
		}
		doc = next
	} else {
		doc = document.Clone(updateOrReplacement)
		if id, ok := seed[storage.IDField]; ok {
			doc[storage.IDField] = id
		}
	}

	if _, ok := doc[storage.IDField]; !ok {
		doc[storage.IDField] = ulid.Make().String()
	}

	r, err := newRecord(doc)
	if err != nil {
		return storage.WriteResult{}, err
	}
	c.records = append(c.records, r)

	return storage.WriteResult{UpsertedCount: 1, UpsertedID: r.id}, nil
}

func projectResult(doc storage.Document, opts storage.Options) storage.Document {
	out := document.Clone(doc)
	if proj := opts.Document(storage.OptProjection); len(proj) > 0 {
		out = document.Project(out, proj)
	}
	return out
}

func applyQueryOptions(docs []storage.Document, opts storage.Options) []storage.Document {
	document.Sort(docs, opts.Sort(storage.OptSort))

	if skip, ok := opts.Int64(storage.OptSkip); ok && skip > 0 {
		if skip >= int64(len(docs)) {
			docs = nil
		} else {
			docs = docs[skip:]
		}
	}
	if limit, ok := opts.Int64(storage.OptLimit); ok && limit > 0 && int64(len(docs)) > limit {
		docs = docs[:limit]
	}
	if proj := opts.Document(storage.OptProjection); len(proj) > 0 {
		for i, d := range docs {
			docs[i] = document.Project(d, proj)
		}
	}

	return docs
}

func isOperatorDocument(doc storage.Document) bool {
	for k := range doc {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func isOperatorValue(v any) bool {
	doc, ok := v.(storage.Document)
	if !ok {
		return false
	}
	return isOperatorDocument(doc)
}
