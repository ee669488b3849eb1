package persistence

import (
	"context"
	"sync"

	"github.com/chadiek/carechat/internal/domain"
)

// Memory is an in-process Gateway for tests and local runs.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	messages map[string][]domain.Message
	logs     map[string]domain.ConversationLog
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
		logs:     make(map[string]domain.ConversationLog),
	}
}

func (s *Memory) SaveSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess
	return nil
}

func (s *Memory) AppendMessage(_ context.Context, sessionID string, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Timestamp.Equal(m.Timestamp) {
			return nil
		}
		if msgs[i].Timestamp.Before(m.Timestamp) {
			break
		}
	}
	s.messages[sessionID] = append(msgs, m)
	return nil
}

func (s *Memory) GetMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Memory) SaveConversationLog(_ context.Context, log domain.ConversationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[log.SessionID] = log
	return nil
}

// Session returns a saved session.
func (s *Memory) Session(id string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ConversationLog returns a saved log.
func (s *Memory) ConversationLog(sessionID string) (domain.ConversationLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[sessionID]
	return l, ok
}
