package agent

import (
	"context"
	"time"

	"github.com/chadiek/carechat/internal/collector"
	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/upstream"
)

// Collector assembles one complete reply from an open channel.
type Collector interface {
	Collect(ctx context.Context, rx collector.Receiver) (domain.AgentReply, error)
}

// AudioArchive stores agent reply audio under an object key.
type AudioArchive interface {
	Upload(key, contentType string, data []byte) error
}

// Options wires a Manager. Transport, Store and Collector are required.
type Options struct {
	Transport upstream.Transport
	Store     persistence.Gateway
	Collector Collector
	// Archive is optional; when set, agent audio is uploaded and the
	// persisted message carries only the object key.
	Archive AudioArchive

	Shards int
	// RetryDelay is the pause before the single retry of a durable write.
	RetryDelay time.Duration
	// WriteTimeout bounds each durable write attempt.
	WriteTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}
