// Package sqlitestore provides a SQLite based implementation of
// [storage.Datastore]. Documents are kept as canonical JSON in a single table
// keyed by collection and identifier; identifier equality is pushed down to
// SQL while the remaining filter, sort and projection semantics are applied
// in Go so they stay identical to the in-memory backend.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/doqm/doqm/pkg/document"
	"github.com/doqm/doqm/pkg/logger"
	"github.com/doqm/doqm/pkg/storage"
)

var tracer = otel.Tracer("doqm/pkg/storage/sqlitestore")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const schema = `
CREATE TABLE IF NOT EXISTS document (
	collection  TEXT NOT NULL,
	doc_id      TEXT NOT NULL,
	doc         BLOB NOT NULL,
	inserted_at DATETIME NOT NULL DEFAULT (datetime('subsec')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('subsec')),
	PRIMARY KEY (collection, doc_id)
);
`

// Config defines the configuration parameters for setting up and managing a
// sqlite connection.
type Config struct {
	Logger        logger.Logger
	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config
// object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMetrics returns a DatastoreOption that enables the database/sql stats
// collector.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying
// defaults for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New creates a new [Datastore] storage.
func New(uri string, opts ...DatastoreOption) (*Datastore, error) {
	cfg := &Config{Logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "doqm")
		if err := prometheus.Register(collector); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Collection see [storage.Datastore].Collection.
func (s *Datastore) Collection(name string) storage.Collection {
	return &Collection{
		name:   name,
		stbl:   s.stbl,
		db:     s.db,
		logger: s.logger,
	}
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// Collection is a SQLite backed [storage.Collection].
type Collection struct {
	name   string
	stbl   sq.StatementBuilderType
	db     *sql.DB
	logger logger.Logger
}

var _ storage.Collection = (*Collection)(nil)

// Name see [storage.Collection].Name.
func (c *Collection) Name() string {
	return c.name
}

// Find see [storage.Collection].Find. Without a sort option the result
// streams from the underlying rows; a sort forces materialization since the
// order is computed in Go.
func (c *Collection) Find(ctx context.Context, filter storage.Document, opts storage.Options) (storage.DocumentIterator, error) {
	ctx, span := startTrace(ctx, "Find")
	defer span.End()

	if order := opts.Sort(storage.OptSort); len(order) > 0 {
		rows, err := c.loadMatches(ctx, nil, filter)
		if err != nil {
			return nil, err
		}
		docs := make([]storage.Document, 0, len(rows))
		for _, r := range rows {
			docs = append(docs, r.doc)
		}
		docs = applyQueryOptions(docs, opts)
		return storage.NewStaticDocumentIterator(docs), nil
	}

	return newDocumentIterator(c.selectBuilder(filter), filter, opts), nil
}

// FindOneAndUpdate see [storage.Collection].FindOneAndUpdate.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndUpdate")
	defer span.End()

	return c.findOneAndModify(ctx, filter, opts, func(before storage.Document) (storage.Document, error) {
		return document.ApplyUpdate(before, update)
	}, update, opts.Bool(storage.OptUpsert))
}

// FindOneAndReplace see [storage.Collection].FindOneAndReplace.
func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndReplace")
	defer span.End()

	return c.findOneAndModify(ctx, filter, opts, func(before storage.Document) (storage.Document, error) {
		next := document.Clone(replacement)
		next[storage.IDField] = before[storage.IDField]
		return next, nil
	}, replacement, opts.Bool(storage.OptUpsert))
}

// FindOneAndDelete see [storage.Collection].FindOneAndDelete.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter storage.Document, opts storage.Options) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndDelete")
	defer span.End()

	var out storage.Document
	err := c.inTransaction(ctx, func(txn *sql.Tx) error {
		target, err := c.selectOne(ctx, txn, filter, opts)
		if err != nil {
			return err
		}
		if target == nil {
			return storage.ErrNotFound
		}

		_, err = c.stbl.
			Delete("document").
			Where(sq.Eq{"collection": c.name, "doc_id": target.key}).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return handleSQLError(err)
		}

		out = projectResult(target.doc, opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertOne see [storage.Collection].InsertOne.
func (c *Collection) InsertOne(ctx context.Context, doc storage.Document, _ storage.Options) (storage.WriteResult, error) {
	ctx, span := startTrace(ctx, "InsertOne")
	defer span.End()

	stored := document.Clone(doc)
	if stored == nil {
		stored = storage.Document{}
	}
	if _, ok := stored[storage.IDField]; !ok {
		stored[storage.IDField] = ulid.Make().String()
	}
	id := stored[storage.IDField]

	raw, err := document.Encode(stored)
	if err != nil {
		return storage.WriteResult{}, err
	}

	err = busyRetry(func() error {
		_, err := c.stbl.
			Insert("document").
			Columns("collection", "doc_id", "doc").
			Values(c.name, idKey(id), raw).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return storage.WriteResult{}, handleSQLError(err)
	}

	return storage.WriteResult{InsertedID: id}, nil
}

// UpdateOne see [storage.Collection].UpdateOne.
func (c *Collection) UpdateOne(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	ctx, span := startTrace(ctx, "UpdateOne")
	defer span.End()

	return c.update(ctx, filter, update, opts, false)
}

// UpdateMany see [storage.Collection].UpdateMany.
func (c *Collection) UpdateMany(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	ctx, span := startTrace(ctx, "UpdateMany")
	defer span.End()

	return c.update(ctx, filter, update, opts, true)
}

// ReplaceOne see [storage.Collection].ReplaceOne.
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.WriteResult, error) {
	ctx, span := startTrace(ctx, "ReplaceOne")
	defer span.End()

	var result storage.WriteResult
	err := c.inTransaction(ctx, func(txn *sql.Tx) error {
		matches, err := c.loadMatches(ctx, txn, filter)
		if err != nil {
			return err
		}

		if len(matches) == 0 {
			if opts.Bool(storage.OptUpsert) {
				result, err = c.upsert(ctx, txn, filter, replacement, false)
				return err
			}
			return nil
		}

		r := matches[0]
		next := document.Clone(replacement)
		next[storage.IDField] = r.doc[storage.IDField]

		result, err = c.store(ctx, txn, r, next)
		return err
	})
	return result, err
}

// DeleteMany see [storage.Collection].DeleteMany.
func (c *Collection) DeleteMany(ctx context.Context, filter storage.Document, _ storage.Options) (storage.WriteResult, error) {
	ctx, span := startTrace(ctx, "DeleteMany")
	defer span.End()

	var result storage.WriteResult
	err := c.inTransaction(ctx, func(txn *sql.Tx) error {
		matches, err := c.loadMatches(ctx, txn, filter)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return nil
		}

		keys := make([]string, 0, len(matches))
		for _, r := range matches {
			keys = append(keys, r.key)
		}

		res, err := c.stbl.
			Delete("document").
			Where(sq.Eq{"collection": c.name, "doc_id": keys}).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return handleSQLError(err)
		}

		deleted, err := res.RowsAffected()
		if err != nil {
			return handleSQLError(err)
		}
		result.DeletedCount = deleted
		return nil
	})
	return result, err
}

// Distinct see [storage.Collection].Distinct. Array field values are
// unwound: each element counts as one candidate value.
func (c *Collection) Distinct(ctx context.Context, field string, filter storage.Document, _ storage.Options) ([]any, error) {
	ctx, span := startTrace(ctx, "Distinct")
	defer span.End()

	matches, err := c.loadMatches(ctx, nil, filter)
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
	ctx, span := startTrace(ctx, "Count")
	defer span.End()

	matches, err := c.loadMatches(ctx, nil, filter)
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

// row is one decoded document together with its storage key and canonical
// encoding.
type row struct {
	key string
	doc storage.Document
	raw []byte
}

// selectBuilder builds the candidate row query for a filter, pushing an
// identifier equality down to the doc_id column when the filter carries one.
func (c *Collection) selectBuilder(filter storage.Document) sq.SelectBuilder {
	sb := c.stbl.
		Select("doc_id", "doc").
		From("document").
		Where(sq.Eq{"collection": c.name}).
		OrderBy("inserted_at", "doc_id")

	if id, ok := pushdownID(filter); ok {
		sb = sb.Where(sq.Eq{"doc_id": idKey(id)})
	}

	return sb
}

// pushdownID reports whether the filter constrains the identifier to a plain
// equality that can be evaluated by SQL.
func pushdownID(filter storage.Document) (any, bool) {
	id, ok := filter[storage.IDField]
	if !ok {
		return nil, false
	}
	if cond, isDoc := id.(storage.Document); isDoc {
		for k := range cond {
			if len(k) > 0 && k[0] == '$' {
				return nil, false
			}
		}
	}
	return id, true
}

// loadMatches fetches and decodes every row the filter matches, in insertion
// order. A nil runner queries outside any transaction.
func (c *Collection) loadMatches(ctx context.Context, txn *sql.Tx, filter storage.Document) ([]*row, error) {
	sb := c.selectBuilder(filter)
	if txn != nil {
		sb = sb.RunWith(txn)
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	var matches []*row
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, handleSQLError(err)
		}
		if !document.Match(raw, filter) {
			continue
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return nil, err
		}
		matches = append(matches, &row{key: key, doc: doc, raw: raw})
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}

	return matches, nil
}

// selectOne returns the first matching row honoring the sort option, or nil
// when nothing matched.
func (c *Collection) selectOne(ctx context.Context, txn *sql.Tx, filter storage.Document, opts storage.Options) (*row, error) {
	matches, err := c.loadMatches(ctx, txn, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	if order := opts.Sort(storage.OptSort); len(order) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			return document.Less(matches[i].doc, matches[j].doc, order)
		})
	}

	return matches[0], nil
}

func (c *Collection) findOneAndModify(ctx context.Context, filter storage.Document, opts storage.Options, modify func(storage.Document) (storage.Document, error), seed storage.Document, upsert bool) (storage.Document, error) {
	returnAfter := opts.String(storage.OptReturnDocument) == storage.ReturnDocumentAfter

	var out storage.Document
	err := c.inTransaction(ctx, func(txn *sql.Tx) error {
		target, err := c.selectOne(ctx, txn, filter, opts)
		if err != nil {
			return err
		}

		if target == nil {
			if !upsert {
				return storage.ErrNotFound
			}
			res, err := c.upsert(ctx, txn, filter, seed, isOperatorDocument(seed))
			if err != nil {
				return err
			}
			if !returnAfter {
				return storage.ErrNotFound
			}
			inserted, err := c.loadMatches(ctx, txn, storage.Document{storage.IDField: res.UpsertedID})
			if err != nil {
				return err
			}
			if len(inserted) == 0 {
				return storage.ErrNotFound
			}
			out = projectResult(inserted[0].doc, opts)
			return nil
		}

		before := document.Clone(target.doc)
		next, err := modify(target.doc)
		if err != nil {
			return err
		}
		if _, err := c.store(ctx, txn, target, next); err != nil {
			return err
		}

		if returnAfter {
			out = projectResult(next, opts)
		} else {
			out = projectResult(before, opts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collection) update(ctx context.Context, filter, update storage.Document, opts storage.Options, multi bool) (storage.WriteResult, error) {
	var result storage.WriteResult
	err := c.inTransaction(ctx, func(txn *sql.Tx) error {
		matches, err := c.loadMatches(ctx, txn, filter)
		if err != nil {
			return err
		}

		if len(matches) == 0 {
			if opts.Bool(storage.OptUpsert) {
				result, err = c.upsert(ctx, txn, filter, update, true)
				return err
			}
			return nil
		}
		if !multi {
			matches = matches[:1]
		}

		for _, r := range matches {
			next, err := document.ApplyUpdate(r.doc, update)
			if err != nil {
				return err
			}
			res, err := c.store(ctx, txn, r, next)
			if err != nil {
				return err
			}
			result.MatchedCount += res.MatchedCount
			result.ModifiedCount += res.ModifiedCount
		}
		return nil
	})
	return result, err
}

// store writes the row's new document back, counting it as modified only when
// the canonical encoding actually changed.
func (c *Collection) store(ctx context.Context, txn *sql.Tx, r *row, next storage.Document) (storage.WriteResult, error) {
	next[storage.IDField] = r.doc[storage.IDField]
	raw, err := document.Encode(next)
	if err != nil {
		return storage.WriteResult{}, err
	}

	result := storage.WriteResult{MatchedCount: 1}
	if string(raw) == string(r.raw) {
		return result, nil
	}

	_, err = c.stbl.
		Update("document").
		Set("doc", raw).
		Set("updated_at", sq.Expr("datetime('subsec')")).
		Where(sq.Eq{"collection": c.name, "doc_id": r.key}).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return storage.WriteResult{}, handleSQLError(err)
	}

	result.ModifiedCount = 1
	return result, nil
}

// upsert seeds a new document from the equality conditions of the filter,
// applies the update (or uses the replacement as-is) and inserts it.
func (c *Collection) upsert(ctx context.Context, txn *sql.Tx, filter, updateOrReplacement storage.Document, isUpdate bool) (storage.WriteResult, error) {
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
	id := doc[storage.IDField]

	raw, err := document.Encode(doc)
	if err != nil {
		return storage.WriteResult{}, err
	}

	_, err = c.stbl.
		Insert("document").
		Columns("collection", "doc_id", "doc").
		Values(c.name, idKey(id), raw).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return storage.WriteResult{}, handleSQLError(err)
	}

	return storage.WriteResult{UpsertedCount: 1, UpsertedID: id}, nil
}

func (c *Collection) inTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error {
	var txn *sql.Tx
	err := busyRetry(func() error {
		var err error
		txn, err = c.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return handleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	if err := fn(txn); err != nil {
		return err
	}

	return busyRetry(txn.Commit)
}

// idKey maps an identifier value onto the doc_id column. String identifiers
// are stored as-is; other types use their canonical encoding so that equal
// values key equally regardless of numeric representation.
func idKey(id any) string {
	if s, ok := id.(string); ok {
		return s
	}
	raw, err := document.Encode(storage.Document{storage.IDField: id})
	if err != nil {
		return fmt.Sprintf("%v", id)
	}
	return string(raw)
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

// handleSQLError processes an SQL error and converts it into a more specific
// error type based on the nature of the SQL error.
func handleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather
// than waiting for the lock. This function retries the operation up to
// maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
