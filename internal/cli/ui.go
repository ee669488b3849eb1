package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/transcript"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	attentionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981"))

	sectionStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)
)

func renderReport(w io.Writer, msgs []domain.Message, a transcript.Analysis) {
	fmt.Fprintln(w, titleStyle.Render("Conversation analysis"))
	fmt.Fprintf(w, "messages: %d  questions: %d  duration: %.1fs\n", len(msgs), a.QuestionCount(), a.DurationSeconds)
	if a.RequiresAttention {
		fmt.Fprintln(w, attentionStyle.Render(fmt.Sprintf("REQUIRES ATTENTION: %d unanswered", len(a.Unanswered))))
	} else {
		fmt.Fprintln(w, okStyle.Render("all questions answered"))
	}
	if len(a.Unanswered) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Unanswered\n"+questionList(a.Unanswered, false)))
	}
	if len(a.Answered) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Answered\n"+questionList(a.Answered, true)))
	}
}

func questionList(qs []domain.Question, withAnswer bool) string {
	var b strings.Builder
	for i, q := range qs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [%s] %s", q.AskedAt.Format(time.RFC3339), q.Text)
		if withAnswer {
			fmt.Fprintf(&b, "\n    -> %s", q.Answer)
		}
	}
	return b.String()
}

func attentionLine(at time.Time, sessionID string) string {
	return fmt.Sprintf("%s %s %s", at.Format(time.RFC3339), attentionStyle.Render("attention"), sessionID)
}
