package storagewrappers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/doqm/doqm/pkg/document"
	"github.com/doqm/doqm/pkg/storage"
)

const defaultCacheTTL = 10 * time.Second

var _ storage.Collection = (*CachedCollection)(nil)

// CachedCollection wraps a collection and caches Distinct and Count results
// with a TTL, deduplicating concurrent lookups for the same key. Every write
// through this wrapper invalidates the cache by advancing a generation that
// participates in the cache keys.
type CachedCollection struct {
	storage.Collection
	cache       *theine.Cache[string, any]
	lookupGroup singleflight.Group
	generation  atomic.Uint64
	ttl         time.Duration
}

// NewCachedCollection wraps the given collection with a result cache of at
// most maxSize entries. A non-positive ttl selects the default of 10s.
func NewCachedCollection(wrapped storage.Collection, maxSize int64, ttl time.Duration) (*CachedCollection, error) {
	cache, err := theine.NewBuilder[string, any](maxSize).Build()
	if err != nil {
		return nil, fmt.Errorf("initialize result cache: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &CachedCollection{
		Collection: wrapped,
		cache:      cache,
		ttl:        ttl,
	}, nil
}

// Close releases the cache's resources.
func (c *CachedCollection) Close() {
	c.cache.Close()
}

func (c *CachedCollection) cacheKey(op, field string, filter storage.Document, opts storage.Options) string {
	h := xxhash.New()
	_, _ = h.WriteString(op)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(field)
	if raw, err := document.Encode(filter); err == nil {
		_, _ = h.Write(raw)
	}
	if pref, ok := opts[storage.OptReadPreference]; ok {
		_, _ = h.WriteString(fmt.Sprintf("%v", pref))
	}
	return fmt.Sprintf("%d:%d", c.generation.Load(), h.Sum64())
}

func (c *CachedCollection) invalidate() {
	c.generation.Add(1)
}

// Distinct see [storage.Collection].Distinct.
func (c *CachedCollection) Distinct(ctx context.Context, field string, filter storage.Document, opts storage.Options) ([]any, error) {
	key := c.cacheKey("distinct", field, filter, opts)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]any), nil
	}

	v, err, _ := c.lookupGroup.Do(key, func() (any, error) {
		values, err := c.Collection.Distinct(ctx, field, filter, opts)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, any(values), 1, c.ttl)
		return values, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]any), nil
}

// Count see [storage.Collection].Count.
func (c *CachedCollection) Count(ctx context.Context, filter storage.Document, opts storage.Options) (int64, error) {
	key := c.cacheKey("count", optionsCountSuffix(opts), filter, opts)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(int64), nil
	}

	v, err, _ := c.lookupGroup.Do(key, func() (any, error) {
		n, err := c.Collection.Count(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, any(n), 1, c.ttl)
		return n, nil
	})
	if err != nil {
		return 0, err
	}

	return v.(int64), nil
}

// optionsCountSuffix folds the count-relevant option keys into the cache key
// so that counts with different skip/limit windows do not collide.
func optionsCountSuffix(opts storage.Options) string {
	skip, _ := opts.Int64(storage.OptSkip)
	limit, _ := opts.Int64(storage.OptLimit)
	return fmt.Sprintf("%d:%d", skip, limit)
}

// FindOneAndUpdate see [storage.Collection].FindOneAndUpdate.
func (c *CachedCollection) FindOneAndUpdate(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.Document, error) {
	c.invalidate()
	return c.Collection.FindOneAndUpdate(ctx, filter, update, opts)
}

// FindOneAndReplace see [storage.Collection].FindOneAndReplace.
func (c *CachedCollection) FindOneAndReplace(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.Document, error) {
	c.invalidate()
	return c.Collection.FindOneAndReplace(ctx, filter, replacement, opts)
}

// FindOneAndDelete see [storage.Collection].FindOneAndDelete.
func (c *CachedCollection) FindOneAndDelete(ctx context.Context, filter storage.Document, opts storage.Options) (storage.Document, error) {
	c.invalidate()
	return c.Collection.FindOneAndDelete(ctx, filter, opts)
}

// InsertOne see [storage.Collection].InsertOne.
func (c *CachedCollection) InsertOne(ctx context.Context, doc storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.invalidate()
	return c.Collection.InsertOne(ctx, doc, opts)
}

// UpdateOne see [storage.Collection].UpdateOne.
func (c *CachedCollection) UpdateOne(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.invalidate()
	return c.Collection.UpdateOne(ctx, filter, update, opts)
}

// UpdateMany see [storage.Collection].UpdateMany.
func (c *CachedCollection) UpdateMany(ctx context.Context, filter, update storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.invalidate()
	return c.Collection.UpdateMany(ctx, filter, update, opts)
}

// ReplaceOne see [storage.Collection].ReplaceOne.
func (c *CachedCollection) ReplaceOne(ctx context.Context, filter, replacement storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.invalidate()
	return c.Collection.ReplaceOne(ctx, filter, replacement, opts)
}

// DeleteMany see [storage.Collection].DeleteMany.
func (c *CachedCollection) DeleteMany(ctx context.Context, filter storage.Document, opts storage.Options) (storage.WriteResult, error) {
	c.invalidate()
	return c.Collection.DeleteMany(ctx, filter, opts)
}
