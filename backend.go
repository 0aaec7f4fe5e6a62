// Package recordgofer batches and caches reads from a remote tabular store.
// A Backend is shared by the process; each request opens its own Source.
package recordgofer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recordgofer/internal/cache"
	"recordgofer/internal/config"
	"recordgofer/internal/feed"
	"recordgofer/internal/store"
)

// Backend holds the state shared by every request: the remote store, the
// shared cache and the optional change feed
type Backend struct {
	cfg    *config.Config
	store  store.Store
	cache  cache.Cache
	feed   *feed.Client
	logger zerolog.Logger
}

// NewBackend creates a Backend talking to the configured REST store
func NewBackend(cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	var recordCache cache.Cache
	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cache.DefaultSweepInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		recordCache = mc

		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Msg("cache enabled")
	} else {
		recordCache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	b := NewBackendWith(cfg, store.NewHTTPStoreFromConfig(cfg.Store, logger), recordCache, logger)

	if cfg.IsFeedEnabled() {
		client, err := feed.NewClientFromConfig(cfg, b, logger)
		if err != nil {
			recordCache.Close()
			return nil, fmt.Errorf("failed to create feed client: %w", err)
		}
		b.feed = client
		logger.Info().Str("url", cfg.Feed.WSURL).Msg("change feed enabled")
	}

	return b, nil
}

// NewBackendWith creates a Backend over an existing store and cache
func NewBackendWith(cfg *config.Config, s store.Store, c cache.Cache, logger zerolog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		store:  s,
		cache:  c,
		logger: logger,
	}
}

// Start connects the change feed, if one is configured
func (b *Backend) Start(ctx context.Context) error {
	if b.feed == nil {
		return nil
	}
	if err := b.feed.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect change feed: %w", err)
	}
	return nil
}

// NewSource opens the per-request scope. ctx bounds the remote queries issued
// on behalf of the request.
func (b *Backend) NewSource(ctx context.Context) *Source {
	id := uuid.NewString()
	return &Source{
		id:      id,
		backend: b,
		ctx:     ctx,
		tables:  make(map[string]*Table),
		logger:  b.logger.With().Str("source", id).Logger(),
	}
}

// Close stops the change feed and releases the cache
func (b *Backend) Close() {
	if b.feed != nil {
		b.feed.Close()
	}
	b.cache.Close()
}

// InvalidateRecord drops the cached id lookup of a changed record and the
// table's full record list
func (b *Backend) InvalidateRecord(ctx context.Context, table, recordID string) error {
	return errors.Join(
		b.cache.Delete(ctx, cache.Key(table, recordID)),
		b.cache.Delete(ctx, cache.Key(table, cache.AllKey)),
	)
}

// InvalidateTable drops the table's full record list
func (b *Backend) InvalidateTable(ctx context.Context, table string) error {
	return b.cache.Delete(ctx, cache.Key(table, cache.AllKey))
}
