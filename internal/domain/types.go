package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RolePatient Role = "patient"
	RoleAgent   Role = "agent"
)

// Session is one continuous patient/agent interaction. The live channel
// handle is owned by the session table, not by this value.
type Session struct {
	ID        string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Audio is set only on agent messages, and only when the upstream
	// delivered audio for the reply.
	Audio    []byte `json:"audio,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// AgentReply is what the collector assembles for a single exchange.
type AgentReply struct {
	Text      string
	Audio     []byte // nil when the reply carried no audio
	Timestamp time.Time
}

// HasAudio reports whether the reply carries audio. A text-only reply is a
// valid partial-success shape, not an error.
func (r AgentReply) HasAudio() bool { return len(r.Audio) > 0 }

// Question is a patient message containing a question mark.
type Question struct {
	Text    string    `json:"text"`
	AskedAt time.Time `json:"asked_at"`
	// Answer is the adjacent agent reply, empty for unanswered questions.
	Answer string `json:"answer,omitempty"`
}

// ConversationLog is produced once per session, at EndSession.
type ConversationLog struct {
	SessionID           string     `json:"session_id"`
	PatientID           string     `json:"patient_id"`
	AgentID             string     `json:"agent_id"`
	Messages            []Message  `json:"messages"`
	AnsweredQuestions   []Question `json:"answered_questions"`
	UnansweredQuestions []Question `json:"unanswered_questions"`
	RequiresAttention   bool       `json:"requires_attention"`
	DurationSeconds     float64    `json:"duration_seconds"`
	EndedAt             time.Time  `json:"ended_at"`
}

// Summary is the view returned to the caller when a session ends.
type Summary struct {
	SessionID         string  `json:"session_id"`
	PatientID         string  `json:"patient_id"`
	DurationSeconds   float64 `json:"duration_seconds"`
	MessageCount      int     `json:"message_count"`
	RequiresAttention bool    `json:"requires_attention"`
	UnansweredCount   int     `json:"unanswered_count"`
}
