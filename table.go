package recordgofer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"recordgofer/internal/cache"
	"recordgofer/internal/filter"
	"recordgofer/internal/loader"
	"recordgofer/internal/store"
)

// Record is a row of a remote table
type Record = store.Record

// Fields is a lookup request: field name to a scalar or a slice of scalars
type Fields = filter.Fields

// ErrInvalidFilter is returned for lookup requests that cannot be normalized
var ErrInvalidFilter = filter.ErrInvalidFilter

// Option adjusts a single lookup
type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithTTL caches the result for ttl; zero skips the shared cache write
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// Table reads one remote table through the shared cache and the request's loader
type Table struct {
	name   string
	ttl    time.Duration
	loader *loader.Loader
	cache  cache.Cache
	logger zerolog.Logger
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

func (t *Table) options(opts []Option) options {
	o := options{ttl: t.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FindOneByID returns the record with the given id, or nil if there is none
func (t *Table) FindOneByID(ctx context.Context, id string, opts ...Option) (*Record, error) {
	o := t.options(opts)
	key, cacheable := t.idKey(id)

	if cacheable {
		var cached *Record
		hit, err := t.getCached(ctx, key, &cached)
		if err != nil || hit {
			return cached, err
		}
	}

	res, err := t.loader.Lookup(ctx, filter.ByID(id).Key)
	if err != nil {
		return nil, err
	}
	var rec *Record
	if len(res.Records) > 0 {
		rec = res.Records[0]
	}
	if !cacheable {
		return rec, nil
	}
	if err := t.cacheResult(ctx, key, rec, res.Degraded, o.ttl); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindManyByIDs looks up each id independently. The result has one entry per
// id, in input order, nil where no record exists.
func (t *Table) FindManyByIDs(ctx context.Context, ids []string, opts ...Option) ([]*Record, error) {
	records := make([]*Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := t.FindOneByID(gctx, id, opts...)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// FindByFields returns the records matching any of the given field values,
// compared case-insensitively, in the order the store returned them
func (t *Table) FindByFields(ctx context.Context, fields Fields, opts ...Option) ([]*Record, error) {
	lookup, err := filter.Normalize(fields)
	if err != nil {
		return nil, err
	}
	o := t.options(opts)
	key := cache.Key(t.name, lookup.Key)

	var cached []*Record
	hit, err := t.getCached(ctx, key, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return nonNil(cached), nil
	}

	res, err := t.loader.Lookup(ctx, lookup.Key)
	if err != nil {
		return nil, err
	}
	if err := t.cacheResult(ctx, key, res.Records, res.Degraded, o.ttl); err != nil {
		return nil, err
	}
	return res.Records, nil
}

// FindAll returns every record of the table
func (t *Table) FindAll(ctx context.Context, opts ...Option) ([]*Record, error) {
	o := t.options(opts)
	key := cache.Key(t.name, cache.AllKey)

	var cached []*Record
	hit, err := t.getCached(ctx, key, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return nonNil(cached), nil
	}

	res, err := t.loader.Lookup(ctx, loader.AllKey)
	if err != nil {
		return nil, err
	}
	if err := t.cacheResult(ctx, key, res.Records, res.Degraded, o.ttl); err != nil {
		return nil, err
	}
	return res.Records, nil
}

// DeleteFromCacheByID forgets the id lookup so the next one queries the store
func (t *Table) DeleteFromCacheByID(ctx context.Context, id string) error {
	t.loader.InvalidateID(id)
	key, cacheable := t.idKey(id)
	if !cacheable {
		return nil
	}
	return t.deleteCached(ctx, key)
}

// DeleteFromCacheByFields forgets the field lookup so the next one queries the store
func (t *Table) DeleteFromCacheByFields(ctx context.Context, fields Fields) error {
	lookup, err := filter.Normalize(fields)
	if err != nil {
		return err
	}
	t.loader.Invalidate(lookup.Key)
	return t.deleteCached(ctx, cache.Key(t.name, lookup.Key))
}

// ClearAllRecordsCache forgets the full record list
func (t *Table) ClearAllRecordsCache(ctx context.Context) error {
	t.loader.Invalidate(loader.AllKey)
	return t.deleteCached(ctx, cache.Key(t.name, cache.AllKey))
}

// idKey returns the shared cache key of an id lookup. An id spelled like the
// full-list key would alias that entry, so it is never cached.
func (t *Table) idKey(id string) (string, bool) {
	if id == cache.AllKey {
		return "", false
	}
	return cache.Key(t.name, id), true
}

// getCached decodes a cached value into dst
func (t *Table) getCached(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, ok, err := t.cache.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		t.logger.Debug().Str("key", key).Msg("cache miss")
		return false, nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		// an undecodable entry is replaced by the next store result
		t.logger.Warn().Err(err).Str("key", key).Msg("failed to decode cached value")
		return false, nil
	}
	t.logger.Debug().Str("key", key).Msg("cache hit")
	return true, nil
}

// cacheResult caches a lookup's value unless the remote query behind it failed
func (t *Table) cacheResult(ctx context.Context, key string, value interface{}, degraded bool, ttl time.Duration) error {
	if degraded {
		t.logger.Debug().Str("key", key).Msg("degraded result not cached")
		return nil
	}
	return t.setCached(ctx, key, value, ttl)
}

func (t *Table) setCached(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.cache.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (t *Table) deleteCached(ctx context.Context, key string) error {
	if err := t.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func nonNil(records []*Record) []*Record {
	if records == nil {
		return []*Record{}
	}
	return records
}
