package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/infra/storage"
	"github.com/chadiek/carechat/internal/observability"
)

type writeJob struct {
	msg   domain.Message
	flush chan struct{}
}

// writer persists one session's messages in order, off the request path.
// A write is retried once and then logged; it never fails the exchange.
// The queue is unbounded so a stalled store never blocks enqueue.
type writer struct {
	sessionID string
	store     persistence.Gateway
	archive   AudioArchive
	retry     retryPolicy
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  []writeJob
	wake   chan struct{}
	done   chan struct{}
}

func newWriter(sessionID string, store persistence.Gateway, archive AudioArchive, retry retryPolicy) *writer {
	w := &writer{
		sessionID: sessionID,
		store:     store,
		archive:   archive,
		retry:     retry,
		log:       observability.WithFields("session_id", sessionID, "component", "writer"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(m domain.Message) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("writer stopped, dropping message", "role", m.Role, "timestamp", m.Timestamp)
		return
	}
	w.queue = append(w.queue, writeJob{msg: m})
	w.mu.Unlock()
	w.signal()
}

// flush returns once every message enqueued before the call is written.
func (w *writer) flush(ctx context.Context) error {
	f := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.queue = append(w.queue, writeJob{flush: f})
	w.mu.Unlock()
	w.signal()
	select {
	case <-f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop drains the queue and waits for the goroutine to exit.
func (w *writer) stop() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) next() (writeJob, bool) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			j := w.queue[0]
			w.queue[0] = writeJob{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return j, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return writeJob{}, false
		}
		<-w.wake
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		j, ok := w.next()
		if !ok {
			return
		}
		if j.flush != nil {
			close(j.flush)
			continue
		}
		w.write(j.msg)
	}
}

func (w *writer) write(m domain.Message) {
	ctx := context.Background()
	if w.archive != nil && len(m.Audio) > 0 {
		key := storage.ObjectKey(w.sessionID, m.Timestamp)
		err := w.retry.do(ctx, "upload audio", func(context.Context) error {
			return w.archive.Upload(key, storage.AudioContentType, m.Audio)
		})
		if err != nil {
			w.log.Error("audio archive failed, keeping audio inline", "key", key, "error", err)
		} else {
			m.AudioRef = key
			m.Audio = nil
		}
	}
	err := w.retry.do(ctx, "append message", func(ctx context.Context) error {
		return w.store.AppendMessage(ctx, w.sessionID, m)
	})
	if err != nil {
		w.log.Error("message not persisted", "role", m.Role, "timestamp", m.Timestamp, "error", err)
	}
}

// retryPolicy runs an operation, and once more after delay if it failed.
type retryPolicy struct {
	delay   time.Duration
	timeout time.Duration
	log     *slog.Logger
}

func (p retryPolicy) do(ctx context.Context, what string, op func(context.Context) error) error {
	err := p.attempt(ctx, op)
	if err == nil {
		return nil
	}
	p.log.Warn("durable write failed, retrying", "op", what, "error", err)
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return p.attempt(ctx, op)
}

func (p retryPolicy) attempt(ctx context.Context, op func(context.Context) error) error {
	if p.timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return op(actx)
}
