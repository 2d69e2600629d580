// Package locks provides keyed mutual exclusion for per-session manifest
// updates. Table serves a single process; Redis coordinates several ingest
// processes writing to one shared bucket.
package locks

import (
	"context"
	"sync"
	"time"

	"pulsewatch/internal/errs"
)

// DefaultTimeout bounds how long Acquire waits for a held key.
const DefaultTimeout = 5 * time.Second

// ErrBusy is returned when a key stays held for longer than the acquire timeout.
var ErrBusy = errs.Sentinel(errs.KindBusy, "session busy: lock wait timed out")

// Locker grants exclusive access to a key.
type Locker interface {
	// Acquire blocks until key is free, the timeout elapses (ErrBusy) or ctx
	// ends. The returned release func must be called exactly once; extra
	// calls are ignored.
	Acquire(ctx context.Context, key string) (release func(), err error)
	// Active returns the number of keys currently held or waited on.
	Active() int
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Table is an in-process Locker. Entries exist only while a key is held or
// awaited, so the table does not grow with the number of sessions ever seen.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// NewTable returns a Table whose Acquire gives up after timeout (DefaultTimeout if <= 0).
func NewTable(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{entries: make(map[string]*entry), timeout: timeout}
}

func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		t.unref(key, e)
		return nil, ErrBusy
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}, nil
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Active returns the number of keys with a holder or waiter.
func (t *Table) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
