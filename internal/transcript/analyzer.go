// Package transcript analyzes a finished conversation.
package transcript

import (
	"strings"
	"time"

	"github.com/chadiek/carechat/internal/domain"
)

// Analysis is the categorization of one message list.
type Analysis struct {
	Answered          []domain.Question
	Unanswered        []domain.Question
	DurationSeconds   float64
	RequiresAttention bool
}

// QuestionCount is the number of patient questions found.
func (a Analysis) QuestionCount() int { return len(a.Answered) + len(a.Unanswered) }

// IsQuestion reports whether a message counts as a patient question.
func IsQuestion(m domain.Message) bool {
	return m.Role == domain.RolePatient && strings.Contains(m.Content, "?")
}

// Analyze categorizes patient questions by whether the very next message
// is an agent reply. Relevance of the reply is not checked.
func Analyze(messages []domain.Message) Analysis {
	a := Analysis{
		Answered:   make([]domain.Question, 0),
		Unanswered: make([]domain.Question, 0),
	}
	for i, m := range messages {
		if !IsQuestion(m) {
			continue
		}
		q := domain.Question{Text: m.Content, AskedAt: m.Timestamp}
		if i+1 < len(messages) && messages[i+1].Role == domain.RoleAgent {
			q.Answer = messages[i+1].Content
			a.Answered = append(a.Answered, q)
			continue
		}
		a.Unanswered = append(a.Unanswered, q)
	}
	a.DurationSeconds = duration(messages)
	a.RequiresAttention = len(a.Unanswered) > 0
	return a
}

func duration(messages []domain.Message) float64 {
	if len(messages) < 2 {
		return 0
	}
	d := messages[len(messages)-1].Timestamp.Sub(messages[0].Timestamp).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// BuildLog assembles the conversation log persisted at session end.
func BuildLog(s domain.Session, messages []domain.Message, endedAt time.Time) domain.ConversationLog {
	a := Analyze(messages)
	if messages == nil {
		messages = []domain.Message{}
	}
	return domain.ConversationLog{
		SessionID:           s.ID,
		PatientID:           s.PatientID,
		AgentID:             s.AgentID,
		Messages:            messages,
		AnsweredQuestions:   a.Answered,
		UnansweredQuestions: a.Unanswered,
		RequiresAttention:   a.RequiresAttention,
		DurationSeconds:     a.DurationSeconds,
		EndedAt:             endedAt,
	}
}
