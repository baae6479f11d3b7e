package replication

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const lockShards = 64

// Locks maps object ids to a mutual-exclusion lock and the cancellation of
// the write currently holding it. Entries exist only while referenced.
type Locks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int

	// Guarded by the shard mutex.
	cancel context.CancelCauseFunc // in-flight write, if any
	abort  error                   // abort requested before the write installed cancel
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	l := &Locks{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*lockEntry)
	}
	return l
}

func (l *Locks) shard(id string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &l.shards[h.Sum32()%lockShards]
}

// ref returns the entry for id with its reference count incremented. When
// abort is non-nil the in-flight write on id, if any, is cancelled with it.
func (l *Locks) ref(id string, abort error) *lockEntry {
	s := l.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		s.entries[id] = e
	}
	e.refs++
	if abort != nil {
		if e.cancel != nil {
			e.cancel(abort)
		} else {
			e.abort = abort
		}
	}
	return e
}

func (l *Locks) unref(id string, e *lockEntry) {
	s := l.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, id)
	}
}

// Held is a set of acquired object locks.
type Held struct {
	l       *Locks
	ids     []string
	entries []*lockEntry
}

// Acquire locks every id, in sorted order, waiting until each is free or
// ctx is done.
func (l *Locks) Acquire(ctx context.Context, ids ...string) (*Held, error) {
	return l.acquire(ctx, nil, ids)
}

// AcquireAbort is Acquire for a rollback: it first cancels any in-flight
// write holding one of the ids with cause, then waits for the lock.
func (l *Locks) AcquireAbort(ctx context.Context, cause error, ids ...string) (*Held, error) {
	return l.acquire(ctx, cause, ids)
}

func (l *Locks) acquire(ctx context.Context, abort error, ids []string) (*Held, error) {
	sorted := dedup(ids)
	h := &Held{l: l}
	for _, id := range sorted {
		e := l.ref(id, abort)
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			if abort != nil {
				// Nothing will follow the abandoned abort.
				s := l.shard(id)
				s.mu.Lock()
				e.abort = nil
				s.mu.Unlock()
			}
			l.unref(id, e)
			h.Release()
			return nil, context.Cause(ctx)
		}
		if abort != nil {
			// The abort has been delivered; it must not leak into the next write.
			s := l.shard(id)
			s.mu.Lock()
			e.abort = nil
			s.mu.Unlock()
		}
		h.ids = append(h.ids, id)
		h.entries = append(h.entries, e)
	}
	return h, nil
}

func dedup(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// Guard derives the write context for the held ids. It is cancelled when a
// rollback of any held id arrives, including one that arrived before Guard
// was called. The returned stop must be called before Release.
func (h *Held) Guard(ctx context.Context) (context.Context, func()) {
	wctx, cancel := context.WithCancelCause(ctx)
	for i, id := range h.ids {
		s := h.l.shard(id)
		s.mu.Lock()
		e := h.entries[i]
		e.cancel = cancel
		if e.abort != nil {
			cancel(e.abort)
			e.abort = nil
		}
		s.mu.Unlock()
	}
	return wctx, func() {
		for i, id := range h.ids {
			s := h.l.shard(id)
			s.mu.Lock()
			h.entries[i].cancel = nil
			s.mu.Unlock()
		}
		cancel(nil)
	}
}

// join moves the locks of o into h. Release of h then releases both.
func (h *Held) join(o *Held) {
	h.ids = append(h.ids, o.ids...)
	h.entries = append(h.entries, o.entries...)
	o.ids, o.entries = nil, nil
}

// Release unlocks every held id.
func (h *Held) Release() {
	for i := len(h.ids) - 1; i >= 0; i-- {
		<-h.entries[i].sem
		h.l.unref(h.ids[i], h.entries[i])
	}
	h.ids, h.entries = nil, nil
}

// Len returns the number of ids currently referenced.
func (l *Locks) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
