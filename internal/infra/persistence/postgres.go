package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/chadiek/carechat/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a Gateway backed by PostgreSQL. When a saved log requires
// attention, a notification carrying the session id is sent on
// NotifyChannel in the same transaction.
type Postgres struct {
	DB            *sql.DB
	NotifyChannel string
	log           *slog.Logger
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn, notifyChannel string, log *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return NewPostgres(db, notifyChannel, log), nil
}

// NewPostgres wraps an existing connection pool. The caller owns db.
func NewPostgres(db *sql.DB, notifyChannel string, log *slog.Logger) *Postgres {
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{DB: db, NotifyChannel: notifyChannel, log: log}
}

// Migrate applies schema.sql. Every statement is IF NOT EXISTS.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *Postgres) Close() error { return p.DB.Close() }

func (p *Postgres) SaveSession(ctx context.Context, s domain.Session) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, patient_id, agent_id, created_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (id) DO NOTHING`,
		s.ID, s.PatientID, s.AgentID, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, sessionID string, m domain.Message) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, audio, audio_ref, ts, ts_nanos)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         ON CONFLICT (session_id, ts_nanos) DO NOTHING`,
		sessionID, string(m.Role), m.Content, nullBytes(m.Audio), nullString(m.AudioRef), m.Timestamp, m.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

func (p *Postgres) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT role, content, audio, audio_ref, ts_nanos
         FROM messages
         WHERE session_id = $1
         ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()
	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m     domain.Message
			role  string
			ref   sql.NullString
			nanos int64
		)
		if err := rows.Scan(&role, &m.Content, &m.Audio, &ref, &nanos); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = domain.Role(role)
		m.AudioRef = ref.String
		m.Timestamp = time.Unix(0, nanos).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) SaveConversationLog(ctx context.Context, l domain.ConversationLog) error {
	answered, unanswered, err := encodeQuestions(l)
	if err != nil {
		return err
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_logs
            (session_id, patient_id, agent_id, answered_questions, unanswered_questions,
             requires_attention, duration_seconds, message_count, ended_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         ON CONFLICT (session_id) DO UPDATE SET
            answered_questions   = EXCLUDED.answered_questions,
            unanswered_questions = EXCLUDED.unanswered_questions,
            requires_attention   = EXCLUDED.requires_attention,
            duration_seconds     = EXCLUDED.duration_seconds,
            message_count        = EXCLUDED.message_count,
            ended_at             = EXCLUDED.ended_at`,
		l.SessionID, l.PatientID, l.AgentID, answered, unanswered,
		l.RequiresAttention, l.DurationSeconds, len(l.Messages), l.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save conversation log: %w", err)
	}
	if l.RequiresAttention && p.NotifyChannel != "" {
		if _, err := tx.ExecContext(ctx, notifyStatement(p.NotifyChannel, l.SessionID)); err != nil {
			return fmt.Errorf("postgres: notify: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	if l.RequiresAttention {
		p.log.Info("attention notification queued", "session_id", l.SessionID, "channel", p.NotifyChannel)
	}
	return nil
}

// NOTIFY takes no bind parameters, so both parts are quoted here.
func notifyStatement(channel, payload string) string {
	return fmt.Sprintf("NOTIFY %s, %s", pq.QuoteIdentifier(channel), pq.QuoteLiteral(payload))
}

func encodeQuestions(l domain.ConversationLog) ([]byte, []byte, error) {
	answered := l.AnsweredQuestions
	if answered == nil {
		answered = []domain.Question{}
	}
	unanswered := l.UnansweredQuestions
	if unanswered == nil {
		unanswered = []domain.Question{}
	}
	a, err := json.Marshal(answered)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode answered questions: %w", err)
	}
	u, err := json.Marshal(unanswered)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode unanswered questions: %w", err)
	}
	return a, u, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
