package query

import (
	"context"
	"errors"

	"github.com/doqm/doqm/pkg/hydration"
	"github.com/doqm/doqm/pkg/primer"
	"github.com/doqm/doqm/pkg/storage"
)

// ResultIterator is a lazy, possibly rewindable sequence of hydrated entities
// or raw documents. It is exhausted by calling Next until it returns
// [storage.ErrIteratorDone]. A rewindable iterator re-traverses from its
// buffer without re-invoking the store; a non-rewindable one returns
// ErrIteratorRewound when restarted after advancing.
type ResultIterator interface {
	Next(ctx context.Context) (any, error)
	Rewind() error
	Stop()
}

// elementIterator is the capability shared by the inner decoration stages.
type elementIterator interface {
	Next(ctx context.Context) (any, error)
	Stop()
}

// fieldPrimer is one normalized primed field: its name and the optional
// custom loader overriding default resolution.
type fieldPrimer struct {
	field  string
	loader primer.Loader
}

// newResultIterator composes the decoration chain around a raw store cursor.
// The stage order is fixed: hydrate, then the rewindability wrapper, then
// priming. Each stage preserves element order and pulls lazily, except that
// the priming stage materializes its batch so no element is yielded with an
// unresolved primed reference.
func newResultIterator(raw storage.DocumentIterator, q *Query) ResultIterator {
	var elem elementIterator = &hydratingIterator{
		inner:    raw,
		hydrator: q.hydrator,
		hints:    &q.hints,
	}

	var it ResultIterator
	if q.rewindable {
		it = &rewindableIterator{inner: elem}
	} else {
		it = &singlePassIterator{inner: elem}
	}

	if len(q.primers) > 0 {
		it = &primingIterator{
			inner:     it,
			primers:   q.primers,
			refPrimer: q.refPrimer,
			hints:     &q.hints,
		}
	}

	return it
}

// hydratingIterator yields one hydrated entity per raw document. With a nil
// hydrator it passes raw documents through untouched.
type hydratingIterator struct {
	inner    storage.DocumentIterator
	hydrator hydration.Hydrator
	hints    *hydration.Hints
}

func (h *hydratingIterator) Next(ctx context.Context) (any, error) {
	doc, err := h.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	if h.hydrator == nil {
		return doc, nil
	}
	return h.hydrator.Hydrate(ctx, doc, *h.hints)
}

func (h *hydratingIterator) Stop() {
	h.inner.Stop()
}

// rewindableIterator buffers every element as it is first produced so the
// sequence can be restarted without re-invoking the store. Store errors pass
// through unchanged; elements already buffered stay valid.
type rewindableIterator struct {
	inner   elementIterator
	buf     []any
	pos     int
	drained bool
}

func (r *rewindableIterator) Next(ctx context.Context) (any, error) {
	if r.pos < len(r.buf) {
		item := r.buf[r.pos]
		r.pos++
		return item, nil
	}
	if r.drained {
		return nil, storage.ErrIteratorDone
	}

	item, err := r.inner.Next(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrIteratorDone) {
			r.drained = true
		}
		return nil, err
	}

	r.buf = append(r.buf, item)
	r.pos++
	return item, nil
}

func (r *rewindableIterator) Rewind() error {
	r.pos = 0
	return nil
}

func (r *rewindableIterator) Stop() {
	r.inner.Stop()
}

// singlePassIterator is the strict pass-through used when rewindable mode is
// off: traversal cannot be restarted once it has advanced.
type singlePassIterator struct {
	inner    elementIterator
	advanced bool
}

func (s *singlePassIterator) Next(ctx context.Context) (any, error) {
	s.advanced = true
	return s.inner.Next(ctx)
}

func (s *singlePassIterator) Rewind() error {
	if s.advanced {
		return ErrIteratorRewound
	}
	return nil
}

func (s *singlePassIterator) Stop() {
	s.inner.Stop()
}

// primingIterator materializes the wrapped sequence on first pull, runs each
// configured primer exactly once against the batch, and then yields in order.
// Rewind delegates to the wrapped stage, so a non-rewindable chain still
// refuses to restart.
type primingIterator struct {
	inner     ResultIterator
	primers   []fieldPrimer
	refPrimer primer.ReferencePrimer
	hints     *hydration.Hints

	items  []any
	pos    int
	primed bool
}

func (p *primingIterator) Next(ctx context.Context) (any, error) {
	if !p.primed {
		if err := p.materialize(ctx); err != nil {
			return nil, err
		}
	}

	if p.pos >= len(p.items) {
		return nil, storage.ErrIteratorDone
	}
	item := p.items[p.pos]
	p.pos++
	return item, nil
}

func (p *primingIterator) materialize(ctx context.Context) error {
	for {
		item, err := p.inner.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				break
			}
			return err
		}
		p.items = append(p.items, item)
	}

	var entities []*hydration.Entity
	for _, item := range p.items {
		if e, ok := item.(*hydration.Entity); ok {
			entities = append(entities, e)
		}
	}

	if len(entities) > 0 {
		for _, fp := range p.primers {
			if err := p.refPrimer.Prime(ctx, entities, fp.field, *p.hints, fp.loader); err != nil {
				return err
			}
		}
	}

	p.primed = true
	return nil
}

func (p *primingIterator) Rewind() error {
	if err := p.inner.Rewind(); err != nil {
		return err
	}
	p.pos = 0
	return nil
}

func (p *primingIterator) Stop() {
	p.inner.Stop()
}
