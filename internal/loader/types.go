package loader

import (
	"sync"
	"time"

	"recordgofer/internal/filter"
	"recordgofer/internal/store"
)

// AllKey is the memo key of the "fetch everything" lookup. Field-set keys are
// JSON objects, so it can never collide with one.
const AllKey = "all"

// thunk is one distinct lookup: pending until its window resolves, then
// memoized until invalidated
type thunk struct {
	key     string
	all     bool
	pred    filter.Canonical
	done    chan struct{}
	records []*store.Record
	failed  bool
}

func newThunk(key string, all bool, pred filter.Canonical) *thunk {
	return &thunk{
		key:  key,
		all:  all,
		pred: pred,
		done: make(chan struct{}),
	}
}

// resolvedThunk is a memo entry that never waited on a window
func resolvedThunk(key string, pred filter.Canonical, records []*store.Record) *thunk {
	t := newThunk(key, false, pred)
	t.records = records
	close(t.done)
	return t
}

// window accumulates the thunks of one dispatch cycle
type window struct {
	items []*thunk
	timer *time.Timer
	mu    sync.Mutex
	taken bool
}

// add appends a thunk and reports whether the window reached maxSize
func (w *window) add(t *thunk, maxSize int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.items = append(w.items, t)
	return maxSize > 0 && len(w.items) >= maxSize
}

// startTimer arms the flush timer if not already armed
func (w *window) startTimer(wait time.Duration, onFlush func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil && !w.taken {
		w.timer = time.AfterFunc(wait, onFlush)
	}
}

// take hands the window's items to exactly one flusher.
// Returns false if another flusher got there first.
func (w *window) take() ([]*thunk, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.taken {
		return nil, false
	}
	w.taken = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	items := w.items
	w.items = nil
	return items, true
}
