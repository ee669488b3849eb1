// Package agent owns live sessions: creation, message exchange with the
// upstream agent, and termination into a persisted conversation log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/carechat/internal/config"
	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/observability"
	"github.com/chadiek/carechat/internal/transcript"
	"github.com/chadiek/carechat/internal/upstream"
)

// Manager is safe for concurrent use. Exchanges on one session run one at
// a time; different sessions never contend beyond their table shard.
type Manager struct {
	transport upstream.Transport
	store     persistence.Gateway
	collector Collector
	archive   AudioArchive
	table     *table
	retry     retryPolicy
	now       func() time.Time
	newID     func() string
}

// NewManager builds a Manager from opts, filling unset tuning values.
func NewManager(opts Options) *Manager {
	if opts.Shards <= 0 {
		opts.Shards = config.DefaultSessionShards
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{
		transport: opts.Transport,
		store:     opts.Store,
		collector: opts.Collector,
		archive:   opts.Archive,
		table:     newTable(opts.Shards),
		retry: retryPolicy{
			delay:   opts.RetryDelay,
			timeout: opts.WriteTimeout,
			log:     observability.WithFields("component", "session_manager"),
		},
		now:   opts.Now,
		newID: opts.NewID,
	}
}

// CreateSession opens an upstream channel for agentID and registers a new
// session. No session exists if the channel cannot be opened.
func (m *Manager) CreateSession(ctx context.Context, patientID, agentID string) (domain.Session, error) {
	patientID, agentID = strings.TrimSpace(patientID), strings.TrimSpace(agentID)
	if patientID == "" || agentID == "" {
		return domain.Session{}, fmt.Errorf("%w: patient_id and agent_id are required", domain.ErrInvalidInput)
	}
	log := observability.LoggerFromContext(ctx).With("patient_id", patientID, "agent_id", agentID)

	ch, err := m.transport.Open(ctx, agentID)
	if err != nil {
		log.Warn("upstream open failed", "error", err)
		return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrUpstreamConnection, err)
	}

	s := domain.Session{
		ID:        m.newID(),
		PatientID: patientID,
		AgentID:   agentID,
		CreatedAt: m.now().UTC(),
	}
	log = log.With("session_id", s.ID)
	err = m.retry.do(context.WithoutCancel(ctx), "save session", func(ctx context.Context) error {
		return m.store.SaveSession(ctx, s)
	})
	if err != nil {
		log.Error("session record not persisted", "error", err)
	}

	m.table.put(newEntry(s, ch, newWriter(s.ID, m.store, m.archive, m.retry)))
	log.Info("session created")
	return s, nil
}

// SendMessage forwards text to the session's agent and returns its reply.
// Both messages are persisted in the background; the patient message is
// kept even when the reply never arrives.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string) (domain.AgentReply, error) {
	if strings.TrimSpace(text) == "" {
		return domain.AgentReply{}, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}
	e, ok := m.table.get(sessionID)
	if !ok {
		return domain.AgentReply{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err := e.acquire(ctx); err != nil {
		return domain.AgentReply{}, err
	}
	defer e.release()
	if e.ended {
		return domain.AgentReply{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	log := sessionLogger(ctx, sessionID)
	started := m.now()
	patient := domain.Message{Role: domain.RolePatient, Content: text, Timestamp: e.stamp(started)}
	if err := e.ch.Send(ctx, text); err != nil {
		if ctx.Err() != nil {
			return domain.AgentReply{}, ctx.Err()
		}
		log.Warn("upstream send failed", "error", err)
		return domain.AgentReply{}, fmt.Errorf("%w: %w", domain.ErrUpstreamConnection, err)
	}
	e.writer.enqueue(patient)

	reply, err := m.collector.Collect(ctx, e.ch)
	if err != nil {
		log.Warn("no agent reply", "error", err, "elapsed", m.now().Sub(started))
		return domain.AgentReply{}, err
	}
	reply.Timestamp = e.stamp(reply.Timestamp)
	e.writer.enqueue(domain.Message{
		Role:      domain.RoleAgent,
		Content:   reply.Text,
		Timestamp: reply.Timestamp,
		Audio:     reply.Audio,
	})
	log.Info("exchange complete", "audio_bytes", len(reply.Audio), "elapsed", m.now().Sub(started))
	return reply, nil
}

// EndSession analyzes and persists the conversation, then tears the session
// down. If the log cannot be stored the session stays live for a retry.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (domain.Summary, error) {
	e, ok := m.table.get(sessionID)
	if !ok {
		return domain.Summary{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err := e.acquire(ctx); err != nil {
		return domain.Summary{}, err
	}
	defer e.release()
	if e.ended {
		return domain.Summary{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	log := sessionLogger(ctx, sessionID)
	wctx := context.WithoutCancel(ctx)
	if err := e.writer.flush(wctx); err != nil {
		return domain.Summary{}, fmt.Errorf("%w: flush pending writes: %w", domain.ErrPersistence, err)
	}

	var msgs []domain.Message
	err := m.retry.do(wctx, "get messages", func(ctx context.Context) error {
		var err error
		msgs, err = m.store.GetMessages(ctx, sessionID)
		return err
	})
	if err != nil {
		log.Error("could not load messages", "error", err)
		return domain.Summary{}, fmt.Errorf("%w: load messages: %w", domain.ErrPersistence, err)
	}

	convo := transcript.BuildLog(e.session, msgs, m.now().UTC())
	err = m.retry.do(wctx, "save conversation log", func(ctx context.Context) error {
		return m.store.SaveConversationLog(ctx, convo)
	})
	if err != nil {
		log.Error("could not save conversation log", "error", err)
		return domain.Summary{}, fmt.Errorf("%w: save conversation log: %w", domain.ErrPersistence, err)
	}

	e.ended = true
	m.table.remove(sessionID, e)
	e.writer.stop()
	if err := e.ch.Close(); err != nil {
		log.Warn("upstream close failed", "error", err)
	}
	log.Info("session ended",
		"messages", len(convo.Messages),
		"unanswered", len(convo.UnansweredQuestions),
		"requires_attention", convo.RequiresAttention)

	return domain.Summary{
		SessionID:         sessionID,
		PatientID:         e.session.PatientID,
		DurationSeconds:   convo.DurationSeconds,
		MessageCount:      len(convo.Messages),
		RequiresAttention: convo.RequiresAttention,
		UnansweredCount:   len(convo.UnansweredQuestions),
	}, nil
}

// ActiveSessions is the number of live sessions.
func (m *Manager) ActiveSessions() int { return m.table.len() }

// Shutdown closes every live channel and drains the writers without
// producing conversation logs. Exchanges still running when ctx expires
// are interrupted by the channel close.
func (m *Manager) Shutdown(ctx context.Context) error {
	entries := m.table.snapshot()
	var wg sync.WaitGroup
	errs := make(chan error, len(entries))
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			acquired := e.acquire(ctx) == nil
			if acquired {
				e.ended = true
			}
			m.table.remove(e.session.ID, e)
			if err := e.ch.Close(); err != nil {
				errs <- fmt.Errorf("close %s: %w", e.session.ID, err)
			}
			if acquired {
				e.release()
			}
			e.writer.stop()
		}(e)
	}
	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	observability.Logger().Info("session manager stopped", "sessions", len(entries))
	return errors.Join(all...)
}

// sessionLogger carries session_id once, whether or not ctx already has it.
func sessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	if observability.SessionIDFromContext(ctx) == sessionID {
		return observability.LoggerFromContext(ctx)
	}
	return observability.LoggerFromContext(observability.WithSessionID(ctx, sessionID))
}
