package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"recordgofer/internal/config"
	"recordgofer/internal/filter"
	"recordgofer/internal/store"
)

// ErrClosed is returned for lookups on a closed loader
var ErrClosed = errors.New("loader closed")

// Config for creating a new Loader
type Config struct {
	Table   string
	View    string
	MaxWait time.Duration
	MaxSize int
	Logger  zerolog.Logger
}

// Loader coalesces the lookups against one table issued during a request.
// Lookups enqueued while a window is open share one remote query; identical
// lookups share one pending result, which stays memoized until invalidated.
type Loader struct {
	table   string
	view    string
	maxWait time.Duration
	maxSize int
	store   store.Store
	ctx     context.Context
	logger  zerolog.Logger

	mu     sync.Mutex
	memo   map[string]*thunk
	window *window
	closed bool
	wg     sync.WaitGroup

	dispatches atomic.Int64
}

// New creates a loader. ctx is used for the remote queries of every window
// and should live as long as the request the loader serves.
func New(ctx context.Context, s store.Store, cfg Config) *Loader {
	return &Loader{
		table:   cfg.Table,
		view:    cfg.View,
		maxWait: cfg.MaxWait,
		maxSize: cfg.MaxSize,
		store:   s,
		ctx:     ctx,
		memo:    make(map[string]*thunk),
		logger:  cfg.Logger.With().Str("component", "loader").Str("table", cfg.Table).Logger(),
	}
}

// NewFromConfig creates a loader for a configured table
func NewFromConfig(ctx context.Context, s store.Store, table config.TableConfig, batching *config.BatchingConfig, logger zerolog.Logger) *Loader {
	return New(ctx, s, Config{
		Table:   table.Name,
		View:    table.View,
		MaxWait: batching.GetMaxWaitDuration(),
		MaxSize: batching.MaxSize,
		Logger:  logger,
	})
}

// Result is the outcome of one lookup
type Result struct {
	Records []*store.Record
	// Degraded is set when the remote query failed and Records is empty
	// for that reason rather than because nothing matched
	Degraded bool
}

// LoadByID returns the record with the given id, or nil if there is none
func (l *Loader) LoadByID(ctx context.Context, id string) (*store.Record, error) {
	res, err := l.Lookup(ctx, filter.ByID(id).Key)
	if err != nil || len(res.Records) == 0 {
		return nil, err
	}
	return res.Records[0], nil
}

// LoadByFields returns every record matching a key produced by filter.Normalize,
// in the order the store returned them
func (l *Loader) LoadByFields(ctx context.Context, key string) ([]*store.Record, error) {
	res, err := l.Lookup(ctx, key)
	return res.Records, err
}

// LoadAll returns every record of the table. The returned records also
// resolve later LoadByID calls without another remote query.
func (l *Loader) LoadAll(ctx context.Context) ([]*store.Record, error) {
	res, err := l.Lookup(ctx, AllKey)
	return res.Records, err
}

// Lookup resolves a key produced by filter.Normalize or filter.ByID, or AllKey
func (l *Loader) Lookup(ctx context.Context, key string) (Result, error) {
	if key == AllKey {
		return l.load(ctx, AllKey, true, nil)
	}
	pred, err := filter.ParseKey(key)
	if err != nil {
		return Result{}, err
	}
	return l.load(ctx, key, false, pred)
}

// Invalidate drops the memoized or in-flight result for key.
// Callers already waiting on it still receive it.
func (l *Loader) Invalidate(key string) {
	l.mu.Lock()
	delete(l.memo, key)
	l.mu.Unlock()
}

// InvalidateID drops the memoized result of an id lookup
func (l *Loader) InvalidateID(id string) {
	l.Invalidate(filter.ByID(id).Key)
}

// Dispatches returns the number of remote queries issued so far
func (l *Loader) Dispatches() int64 {
	return l.dispatches.Load()
}

// Close dispatches the open window, waits for in-flight windows and rejects
// further lookups
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	w := l.window
	l.window = nil
	l.mu.Unlock()

	if w != nil {
		l.flush(w)
	}
	l.wg.Wait()
}

func (l *Loader) load(ctx context.Context, key string, all bool, pred filter.Canonical) (Result, error) {
	t, err := l.enqueue(key, all, pred)
	if err != nil {
		return Result{}, err
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	records := make([]*store.Record, len(t.records))
	copy(records, t.records)
	return Result{Records: records, Degraded: t.failed}, nil
}

// enqueue returns the memoized thunk for key, or adds a new one to the open window
func (l *Loader) enqueue(key string, all bool, pred filter.Canonical) (*thunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if t, ok := l.memo[key]; ok {
		return t, nil
	}

	t := newThunk(key, all, pred)
	l.memo[key] = t

	w := l.window
	if w == nil {
		w = &window{}
		l.window = w
		// released by whichever flusher takes the window
		l.wg.Add(1)
	}

	if w.add(t, l.maxSize) {
		l.window = nil
		go l.flush(w)
		return t, nil
	}

	w.startTimer(l.maxWait, func() {
		l.mu.Lock()
		if l.window == w {
			l.window = nil
		}
		l.mu.Unlock()
		l.flush(w)
	})
	return t, nil
}

// flush dispatches a window and resolves its thunks
func (l *Loader) flush(w *window) {
	items, ok := w.take()
	if !ok {
		return
	}
	defer l.wg.Done()

	var all []*thunk
	var byFields []*thunk
	for _, t := range items {
		if t.all {
			all = append(all, t)
		} else {
			byFields = append(byFields, t)
		}
	}

	l.logger.Debug().
		Int("keys", len(items)).
		Bool("all", len(all) > 0).
		Msg("dispatching window")

	if len(all) > 0 {
		records, err := l.query(store.SelectParams{View: l.view})
		l.resolveAll(all, records, err)
	}

	if len(byFields) > 0 {
		preds := make([]filter.Canonical, len(byFields))
		for i, t := range byFields {
			preds[i] = t.pred
		}
		formula := filter.BuildFormula(filter.Merge(preds...))

		var records []*store.Record
		var err error
		// a window whose keys carry no values can match nothing
		if formula != "" {
			records, err = l.query(store.SelectParams{Formula: formula, View: l.view})
		}
		l.resolveFields(byFields, records, err)
	}
}

// query runs one remote select and drains every page
func (l *Loader) query(params store.SelectParams) ([]*store.Record, error) {
	l.dispatches.Add(1)

	start := time.Now()
	records, err := store.Drain(l.store.Select(l.ctx, l.table, params))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", l.table, err)
	}

	l.logger.Debug().
		Str("formula", params.Formula).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("query completed")
	return records, nil
}

// resolveAll hands the unfiltered list to "all" lookups and primes id lookups
func (l *Loader) resolveAll(items []*thunk, records []*store.Record, err error) {
	if err != nil {
		l.fail(items, err)
		return
	}

	l.mu.Lock()
	for _, rec := range records {
		lookup := filter.ByID(rec.ID)
		if _, ok := l.memo[lookup.Key]; !ok {
			l.memo[lookup.Key] = resolvedThunk(lookup.Key, lookup.Fields, []*store.Record{rec})
		}
	}
	l.mu.Unlock()

	for _, t := range items {
		t.records = records
		close(t.done)
	}
}

// resolveFields gives each lookup the records matching its own predicate,
// in the order the store returned them
func (l *Loader) resolveFields(items []*thunk, records []*store.Record, err error) {
	if err != nil {
		l.fail(items, err)
		return
	}

	for _, t := range items {
		matched := make([]*store.Record, 0)
		for _, rec := range records {
			if filter.Match(rec, t.pred) {
				matched = append(matched, rec)
			}
		}
		t.records = matched
		close(t.done)
	}
}

// fail resolves lookups with no records and forgets them so they are retried
func (l *Loader) fail(items []*thunk, err error) {
	l.logger.Warn().
		Err(err).
		Int("keys", len(items)).
		Msg("remote query failed, resolving with no records")

	l.mu.Lock()
	for _, t := range items {
		if l.memo[t.key] == t {
			delete(l.memo, t.key)
		}
	}
	l.mu.Unlock()

	for _, t := range items {
		t.records = nil
		t.failed = true
		close(t.done)
	}
}
