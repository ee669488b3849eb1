// Package persistence stores sessions, their messages and the final
// conversation logs.
package persistence

import (
	"context"

	"github.com/chadiek/carechat/internal/domain"
)

// Gateway is the durable store used by the session manager. Every method
// is safe to retry: a repeated write leaves the same state as one write.
// Messages are keyed by their timestamp, which is unique per session.
type Gateway interface {
	SaveSession(ctx context.Context, s domain.Session) error
	AppendMessage(ctx context.Context, sessionID string, m domain.Message) error
	// GetMessages returns messages in append order.
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	SaveConversationLog(ctx context.Context, log domain.ConversationLog) error
}
