// Package query executes typed query specifications against a document store
// collection. A [Query] owns one immutable [Spec], projects per-operation
// store options from it, dispatches to the matching store call, and decorates
// cursor results into rewindable, hydrated, reference-primed sequences.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/doqm/doqm/pkg/hydration"
	"github.com/doqm/doqm/pkg/logger"
	"github.com/doqm/doqm/pkg/primer"
	"github.com/doqm/doqm/pkg/storage"
)

var tracer = otel.Tracer("doqm/pkg/query")

func startTrace(ctx context.Context, kind Kind) (context.Context, trace.Span) {
	return tracer.Start(ctx, "query.Execute", trace.WithAttributes(
		attribute.String("query.kind", kind.String()),
	))
}

// Query binds a specification to a collection. Its specification is immutable
// after construction; the unit-of-work hints are mutable through setters
// until the first execution. A Query is not safe for concurrent use.
type Query struct {
	coll       storage.Collection
	spec       Spec
	execOpts   storage.Options
	hydrator   hydration.Hydrator
	hints      hydration.Hints
	primers    []fieldPrimer
	refPrimer  primer.ReferencePrimer
	rewindable bool
	logger     logger.Logger

	// iter caches the decorated cursor so the store call for a
	// cursor-producing operation runs at most once per Query instance.
	iter ResultIterator
}

type Option func(*Query)

// WithHydrator enables hydration of results through h.
func WithHydrator(h hydration.Hydrator) Option {
	return func(q *Query) {
		q.hydrator = h
	}
}

// WithExecutionOptions merges pass-through options into every store call.
// They are never interpreted by the query core and lose on conflict with
// projected option keys.
func WithExecutionOptions(opts storage.Options) Option {
	return func(q *Query) {
		q.execOpts = opts.Clone()
	}
}

// WithReferencePrimer sets the primer used to resolve primed fields.
func WithReferencePrimer(p primer.ReferencePrimer) Option {
	return func(q *Query) {
		q.refPrimer = p
	}
}

// WithPrimer registers one primed field with an optional custom loader. A
// nil loader selects the reference primer's default resolution. Empty field
// names are dropped during normalization.
func WithPrimer(field string, loader primer.Loader) Option {
	return func(q *Query) {
		q.primers = append(q.primers, fieldPrimer{field: field, loader: loader})
	}
}

// WithPrimers registers primed fields using default resolution.
func WithPrimers(fields ...string) Option {
	return func(q *Query) {
		for _, f := range fields {
			q.primers = append(q.primers, fieldPrimer{field: f})
		}
	}
}

// WithoutRewind disables buffering: result iterators become strict
// single-pass sequences.
func WithoutRewind() Option {
	return func(q *Query) {
		q.rewindable = false
	}
}

func WithLogger(l logger.Logger) Option {
	return func(q *Query) {
		q.logger = l
	}
}

// New constructs a Query for the given specification. It fails with a
// configuration error when the specification is missing or when primed
// fields are configured without a reference primer.
func New(coll storage.Collection, spec Spec, opts ...Option) (*Query, error) {
	if coll == nil {
		return nil, fmt.Errorf("%w: nil collection", ErrConfiguration)
	}
	if spec == nil {
		return nil, ErrUnknownSpec
	}

	q := &Query{
		coll:       coll,
		spec:       spec,
		execOpts:   storage.Options{},
		rewindable: true,
		logger:     logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.primers = normalizePrimers(q.primers)
	if len(q.primers) > 0 && q.refPrimer == nil {
		return nil, ErrPrimerRequired
	}

	return q, nil
}

// normalizePrimers drops empty entries and duplicate field names once at the
// boundary; the list is never re-filtered afterwards.
func normalizePrimers(primers []fieldPrimer) []fieldPrimer {
	var out []fieldPrimer
	seen := make(map[string]struct{}, len(primers))
	for _, fp := range primers {
		if fp.field == "" {
			continue
		}
		if _, dup := seen[fp.field]; dup {
			continue
		}
		seen[fp.field] = struct{}{}
		out = append(out, fp)
	}
	return out
}

// Spec returns the query's specification.
func (q *Query) Spec() Spec {
	return q.spec
}

// Hints returns the current unit-of-work hints.
func (q *Query) Hints() hydration.Hints {
	return q.hints
}

// SetRefresh controls whether hydration re-materializes documents already in
// the identity map. It has no effect when hydration is disabled.
func (q *Query) SetRefresh(refresh bool) {
	q.hints.Refresh = refresh
}

// SetReadOnly controls whether hydrated objects are registered in the
// identity map. It has no effect when hydration is disabled.
func (q *Query) SetReadOnly(readOnly bool) {
	q.hints.ReadOnly = readOnly
}

// SetReadPreference sets the read preference carried into priming lookups.
func (q *Query) SetReadPreference(pref any) {
	q.hints.ReadPreference = pref
}

// Clone returns a copy of the Query bound to the same specification. The
// copy's iterator cache starts empty, so it re-executes against the store.
func (q *Query) Clone() *Query {
	c := *q
	c.iter = nil
	c.execOpts = q.execOpts.Clone()
	c.primers = append([]fieldPrimer(nil), q.primers...)
	return &c
}

// Execute runs the operation implied by the specification kind and returns:
//
//   - Find: a [ResultIterator]
//   - FindAndUpdate, FindAndRemove: the affected document (hydrated when
//     hydration is enabled, it is non-empty and carries an identifier), or
//     nil when nothing matched
//   - Insert, Update, Remove: a [storage.WriteResult]
//   - Distinct: a []any of distinct values
//   - Count: an int64
//
// Store errors propagate unchanged.
func (q *Query) Execute(ctx context.Context) (any, error) {
	ctx, span := startTrace(ctx, q.spec.Kind())
	defer span.End()

	q.logger.Debug("executing query",
		zap.Stringer("kind", q.spec.Kind()),
		zap.String("collection", q.coll.Name()),
	)

	switch s := q.spec.(type) {
	case *FindSpec:
		if q.iter != nil {
			return q.iter, nil
		}
		raw, err := q.coll.Find(ctx, s.Filter, projectOptions(s, q.execOpts))
		if err != nil {
			return nil, err
		}
		q.iter = newResultIterator(raw, q)
		return q.iter, nil

	case *FindAndUpdateSpec:
		opts := projectOptions(s, q.execOpts)
		var doc storage.Document
		var err error
		if isUpdateOperatorDocument(s.Update) {
			doc, err = q.coll.FindOneAndUpdate(ctx, s.Filter, s.Update, opts)
		} else {
			doc, err = q.coll.FindOneAndReplace(ctx, s.Filter, s.Update, opts)
		}
		return q.singleDocumentResult(ctx, doc, err)

	case *FindAndRemoveSpec:
		doc, err := q.coll.FindOneAndDelete(ctx, s.Filter, projectOptions(s, q.execOpts))
		return q.singleDocumentResult(ctx, doc, err)

	case *InsertSpec:
		return q.coll.InsertOne(ctx, s.Document, projectOptions(s, q.execOpts))

	case *UpdateSpec:
		opts := projectOptions(s, q.execOpts)
		if !isUpdateOperatorDocument(s.Update) {
			if s.Multiple {
				return nil, ErrMultiReplace
			}
			return q.coll.ReplaceOne(ctx, s.Filter, s.Update, opts)
		}
		if s.Multiple {
			return q.coll.UpdateMany(ctx, s.Filter, s.Update, opts)
		}
		return q.coll.UpdateOne(ctx, s.Filter, s.Update, opts)

	case *RemoveSpec:
		return q.coll.DeleteMany(ctx, s.Filter, projectOptions(s, q.execOpts))

	case *DistinctSpec:
		return q.coll.Distinct(ctx, s.Field, s.Filter, projectOptions(s, q.execOpts))

	case *CountSpec:
		return q.coll.Count(ctx, s.Filter, projectOptions(s, q.execOpts))
	}

	return nil, ErrUnknownSpec
}

// singleDocumentResult shapes the result of the findOneAnd* operations: a
// not-found outcome becomes the nil sentinel, and hydration plus priming are
// applied only to non-empty documents carrying an identifier.
func (q *Query) singleDocumentResult(ctx context.Context, doc storage.Document, err error) (any, error) {
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	if q.hydrator == nil || len(doc) == 0 {
		return doc, nil
	}
	if _, ok := doc[storage.IDField]; !ok {
		return doc, nil
	}

	entity, err := q.hydrator.Hydrate(ctx, doc, q.hints)
	if err != nil {
		return nil, err
	}

	batch := []*hydration.Entity{entity}
	for _, fp := range q.primers {
		if err := q.refPrimer.Prime(ctx, batch, fp.field, q.hints, fp.loader); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

// Iterator returns the query's result sequence. Only the find and distinct
// kinds are admitted; any other kind fails with a contract violation before
// touching the store. The first call executes the query and caches the
// iterator; subsequent calls return the cached instance without a second
// store invocation.
//
// Note that the distinct kind, although admitted, produces a value slice
// rather than an iterator, so it always fails with ErrIteratorExpected.
func (q *Query) Iterator(ctx context.Context) (ResultIterator, error) {
	switch q.spec.Kind() {
	case KindFind, KindDistinct:
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotIterable, q.spec.Kind())
	}

	if q.iter != nil {
		return q.iter, nil
	}

	res, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}

	iter, ok := res.(ResultIterator)
	if !ok {
		return nil, fmt.Errorf("%w: %s produced %T", ErrIteratorExpected, q.spec.Kind(), res)
	}

	q.iter = iter
	return iter, nil
}

// SingleResult returns the first element of the result sequence, or nil when
// it is empty. It executes on a clone with its effective limit forced to 1;
// the receiver's specification and iterator cache are left untouched.
func (q *Query) SingleResult(ctx context.Context) (any, error) {
	c := q.Clone()
	if fs, ok := c.spec.(*FindSpec); ok {
		limited := *fs
		one := int64(1)
		limited.Limit = &one
		c.spec = &limited
	}

	iter, err := c.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	defer iter.Stop()

	item, err := iter.Next(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrIteratorDone) {
			return nil, nil
		}
		return nil, err
	}

	return item, nil
}
