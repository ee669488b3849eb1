package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Listen subscribes to attention notifications and yields the session id
// of every log that needs a clinician. The returned channel closes when ctx
// is done.
func Listen(ctx context.Context, dsn, channel string, log *slog.Logger) (<-chan string, error) {
	if log == nil {
		log = slog.Default()
	}
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("notification listener event", "event", listenerEventName(ev), "error", err)
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("postgres: listen %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer func() {
			_ = l.Close()
			close(out)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-l.Notify:
				// nil after a reconnect; notifications may have been missed
				if n == nil {
					log.Warn("notification listener reconnected")
					continue
				}
				select {
				case out <- n.Extra:
				case <-ctx.Done():
					return
				}
			case <-ping.C:
				if err := l.Ping(); err != nil {
					log.Warn("notification listener ping failed", "error", err)
				}
			}
		}
	}()
	return out, nil
}

func listenerEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
