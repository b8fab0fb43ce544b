package sqlitestore

import (
	"context"
	"database/sql"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"github.com/doqm/doqm/pkg/document"
	"github.com/doqm/doqm/pkg/storage"
)

// documentIterator streams rows from a candidate query, applying the filter,
// skip, limit and projection per element. The query runs lazily on the first
// Next call.
type documentIterator struct {
	sb     sq.SelectBuilder
	filter storage.Document

	skip       int64
	limit      int64
	hasLimit   bool
	projection storage.Document

	rows    *sql.Rows // GUARDED_BY(mu)
	yielded int64     // GUARDED_BY(mu)
	mu      sync.Mutex
}

var _ storage.DocumentIterator = (*documentIterator)(nil)

func newDocumentIterator(sb sq.SelectBuilder, filter storage.Document, opts storage.Options) *documentIterator {
	it := &documentIterator{
		sb:         sb,
		filter:     filter,
		projection: opts.Document(storage.OptProjection),
	}
	if skip, ok := opts.Int64(storage.OptSkip); ok && skip > 0 {
		it.skip = skip
	}
	if limit, ok := opts.Int64(storage.OptLimit); ok && limit > 0 {
		it.limit = limit
		it.hasLimit = true
	}
	return it
}

func (t *documentIterator) fetchBuffer(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	rows, err := t.sb.QueryContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	t.rows = rows
	return nil
}

// Next see [storage.DocumentIterator].Next.
func (t *documentIterator) Next(ctx context.Context) (storage.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.rows == nil {
		if err := t.fetchBuffer(ctx); err != nil {
			return nil, err
		}
	}

	if t.hasLimit && t.yielded >= t.limit {
		return nil, storage.ErrIteratorDone
	}

	for t.rows.Next() {
		var key string
		var raw []byte
		if err := t.rows.Scan(&key, &raw); err != nil {
			return nil, handleSQLError(err)
		}

		if !document.Match(raw, t.filter) {
			continue
		}
		if t.skip > 0 {
			t.skip--
			continue
		}

		doc, err := document.Decode(raw)
		if err != nil {
			return nil, err
		}
		if len(t.projection) > 0 {
			doc = document.Project(doc, t.projection)
		}

		t.yielded++
		return doc, nil
	}

	if err := t.rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return nil, storage.ErrIteratorDone
}

// Stop see [storage.DocumentIterator].Stop.
func (t *documentIterator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rows != nil {
		_ = t.rows.Close()
	}
}
