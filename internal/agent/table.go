package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/upstream"
)

// entry is one live session. slot admits a single exchange at a time; the
// fields below it are only touched by the slot holder.
type entry struct {
	session domain.Session
	ch      upstream.Channel
	writer  *writer
	slot    chan struct{}

	ended  bool
	lastTS time.Time
}

func newEntry(s domain.Session, ch upstream.Channel, w *writer) *entry {
	return &entry{session: s, ch: ch, writer: w, slot: make(chan struct{}, 1), lastTS: s.CreatedAt}
}

// acquire waits for the slot. Queued callers give up when ctx is done.
func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.slot }

// stamp returns t, or the smallest instant after the previous stamp, so
// message timestamps are strictly increasing within a session.
func (e *entry) stamp(t time.Time) time.Time {
	t = t.UTC()
	if !t.After(e.lastTS) {
		t = e.lastTS.Add(time.Nanosecond)
	}
	e.lastTS = t
	return t
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// table is the live session table, partitioned by session id hash.
type table struct {
	shards []shard
}

func newTable(n int) *table {
	if n <= 0 {
		n = 1
	}
	t := &table{shards: make([]shard, n)}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
	}
	return t
}

func (t *table) shardFor(id string) *shard {
	return &t.shards[xxhash.Sum64String(id)%uint64(len(t.shards))]
}

func (t *table) get(id string) (*entry, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (t *table) put(e *entry) {
	s := t.shardFor(e.session.ID)
	s.mu.Lock()
	s.entries[e.session.ID] = e
	s.mu.Unlock()
}

// remove deletes id only if it still maps to e.
func (t *table) remove(id string, e *entry) {
	s := t.shardFor(id)
	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (t *table) snapshot() []*entry {
	var out []*entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}
