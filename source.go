package recordgofer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"recordgofer/internal/loader"
)

// ErrUnknownTable is returned for tables missing from the configuration
var ErrUnknownTable = errors.New("unknown table")

// Source is the scope of one logical request. Lookups made through the same
// Source are coalesced and memoized; nothing is shared between Sources except
// the Backend's cache.
type Source struct {
	id      string
	backend *Backend
	ctx     context.Context
	logger  zerolog.Logger

	mu     sync.Mutex
	tables map[string]*Table
	closed bool
}

// ID returns the random id tagging this Source's log lines
func (s *Source) ID() string {
	return s.id
}

// Table returns the accessor for a configured table, creating it on first use
func (s *Source) Table(name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, loader.ErrClosed
	}
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	tableCfg := s.backend.cfg.GetTable(name)
	if tableCfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}

	b := s.backend
	t := &Table{
		name:   name,
		ttl:    b.cfg.GetTableTTLDuration(name),
		loader: loader.NewFromConfig(s.ctx, b.store, *tableCfg, b.cfg.Batching, s.logger),
		cache:  b.cache,
		logger: s.logger.With().Str("component", "table").Str("table", name).Logger(),
	}
	s.tables[name] = t
	return t, nil
}

// Close dispatches pending lookups and waits for them to finish
func (s *Source) Close() {
	s.mu.Lock()
	s.closed = true
	tables := s.tables
	s.tables = make(map[string]*Table)
	s.mu.Unlock()

	for _, t := range tables {
		t.loader.Close()
		s.logger.Debug().
			Str("table", t.name).
			Int64("dispatches", t.loader.Dispatches()).
			Msg("source closed")
	}
}
