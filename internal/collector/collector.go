// Package collector turns the inbound event stream of one upstream request
// into a complete agent reply.
//
// The agent sends its reply text once, surrounded by audio chunks and
// keepalive frames. Collection waits (resettable) for the text, then keeps
// draining audio for a fixed window measured from the moment the text
// arrived. Keepalives never move that deadline.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chadiek/carechat/internal/config"
	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/upstream"
)

// Receiver is the part of an upstream channel the collector reads from.
type Receiver interface {
	NextEvent(ctx context.Context, timeout time.Duration) (upstream.Event, error)
}

type state int

const (
	stateAwaitingResponse state = iota
	stateDraining
	stateComplete
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateAwaitingResponse:
		return "awaiting_response"
	case stateDraining:
		return "draining"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Collector runs the drain-timeout state machine. It holds no per-request
// state and is safe for concurrent use.
type Collector struct {
	timing config.Timing
	now    func() time.Time
	log    *slog.Logger
}

// New returns a Collector. Zero durations fall back to the config defaults.
func New(timing config.Timing, log *slog.Logger) *Collector {
	if timing.ResponseTimeout <= 0 {
		timing.ResponseTimeout = config.DefaultResponseTimeout
	}
	if timing.DrainWindow <= 0 {
		timing.DrainWindow = config.DefaultDrainWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{timing: timing, now: time.Now, log: log}
}

// WithClock replaces the time source. Used by tests driving a fake clock.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	cp := *c
	cp.now = now
	return &cp
}

// Timing reports the configured windows.
func (c *Collector) Timing() config.Timing { return c.timing }

// run is the per-request machine.
type run struct {
	state      state
	text       string
	chunks     [][]byte
	deadline   time.Time
	drainStart time.Time
	err        error

	keepalives int
	ignored    int
}

// Collect reads events until the reply is complete or the request fails.
// A missing reply text within the response timeout yields ErrStreamTimeout;
// a channel that closes before the text yields ErrUpstreamConnection.
func (c *Collector) Collect(ctx context.Context, rx Receiver) (domain.AgentReply, error) {
	r := &run{state: stateAwaitingResponse}
	start := c.now()
	for r.state != stateComplete && r.state != stateFailed {
		switch r.state {
		case stateAwaitingResponse:
			c.await(ctx, rx, r)
		case stateDraining:
			c.drain(ctx, rx, r)
		}
	}
	if r.state == stateFailed {
		c.log.Warn("collector failed",
			"error", r.err,
			"chunks", len(r.chunks),
			"keepalives", r.keepalives,
			"elapsed", c.now().Sub(start))
		return domain.AgentReply{}, r.err
	}

	reply := domain.AgentReply{Text: r.text, Timestamp: c.now()}
	if len(r.chunks) > 0 {
		reply.Audio = bytes.Join(r.chunks, nil)
	}
	c.log.Info("collector complete",
		"chunks", len(r.chunks),
		"audio_bytes", len(reply.Audio),
		"keepalives", r.keepalives,
		"ignored_texts", r.ignored,
		"drain", reply.Timestamp.Sub(r.drainStart),
		"elapsed", reply.Timestamp.Sub(start))
	return reply, nil
}

func (c *Collector) await(ctx context.Context, rx Receiver, r *run) {
	ev, err := rx.NextEvent(ctx, c.timing.ResponseTimeout)
	if err != nil {
		r.state = stateFailed
		switch {
		case ctx.Err() != nil:
			r.err = ctx.Err()
		case errors.Is(err, upstream.ErrTimeout):
			r.err = fmt.Errorf("%w: no reply within %s", domain.ErrStreamTimeout, c.timing.ResponseTimeout)
		case errors.Is(err, upstream.ErrClosed):
			r.err = fmt.Errorf("%w: channel closed before reply", domain.ErrUpstreamConnection)
		default:
			r.err = fmt.Errorf("%w: %w", domain.ErrUpstreamConnection, err)
		}
		return
	}
	switch ev.Kind {
	case upstream.EventAudioChunk:
		r.addChunk(ev.Audio)
	case upstream.EventKeepalive:
		r.keepalives++
	case upstream.EventResponseText:
		r.text = ev.Text
		r.drainStart = c.now()
		r.deadline = r.drainStart.Add(c.timing.DrainWindow)
		r.state = stateDraining
	}
}

func (c *Collector) drain(ctx context.Context, rx Receiver, r *run) {
	remaining := r.deadline.Sub(c.now())
	if remaining <= 0 {
		r.state = stateComplete
		return
	}
	ev, err := rx.NextEvent(ctx, remaining)
	if err != nil {
		if ctx.Err() != nil {
			r.state = stateFailed
			r.err = ctx.Err()
			return
		}
		// timeout or close: whatever audio arrived is the reply
		r.state = stateComplete
		return
	}
	switch ev.Kind {
	case upstream.EventAudioChunk:
		r.addChunk(ev.Audio)
	case upstream.EventKeepalive:
		r.keepalives++
	case upstream.EventResponseText:
		r.ignored++
	}
}

func (r *run) addChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	r.chunks = append(r.chunks, b)
}
