package upstream

import (
	"context"
	"errors"
	"time"
)

// EventKind enumerates the inbound events a channel delivers.
type EventKind int

const (
	EventKeepalive EventKind = iota
	EventAudioChunk
	EventResponseText
)

func (k EventKind) String() string {
	switch k {
	case EventKeepalive:
		return "keepalive"
	case EventAudioChunk:
		return "audio_chunk"
	case EventResponseText:
		return "response_text"
	default:
		return "unknown"
	}
}

// Event is one inbound item. Audio is set for EventAudioChunk, Text for
// EventResponseText; keepalives carry nothing.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
}

var (
	// ErrTimeout is returned by NextEvent when no event arrived in time.
	ErrTimeout = errors.New("upstream: receive timeout")
	// ErrClosed is returned by NextEvent once the channel is closed and
	// every buffered event has been delivered.
	ErrClosed = errors.New("upstream: channel closed")
)

// Channel is a live duplex connection to one upstream agent.
type Channel interface {
	// Send forwards patient text to the agent.
	Send(ctx context.Context, text string) error
	// NextEvent blocks for at most timeout. It returns ErrTimeout, ErrClosed
	// or ctx.Err() when no event is delivered.
	NextEvent(ctx context.Context, timeout time.Duration) (Event, error)
	Close() error
}

// Transport opens channels to upstream agents.
type Transport interface {
	Open(ctx context.Context, agentID string) (Channel, error)
}

// receive is the timed receive shared by the channel implementations. The
// timer is always stopped before returning so abandoned waits do not leak.
func receive(ctx context.Context, events <-chan Event, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		select {
		case ev, ok := <-events:
			if !ok {
				return Event{}, ErrClosed
			}
			return ev, nil
		default:
			return Event{}, ErrTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
