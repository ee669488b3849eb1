// Package cli implements transcriptctl, the offline companion to the
// session server.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadiek/carechat/internal/config"
	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/observability"
	"github.com/chadiek/carechat/internal/transcript"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "transcriptctl",
		Short:         "Inspect exported patient conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newWatchCmd())
	return rootCmd
}

// newAnalyzeCmd creates the analyze command
func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [FILE]",
		Short: "Report answered and unanswered patient questions",
		Long: `Analyze a transcript exported as JSON: either an array of messages or a
conversation log object with a "messages" field. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			msgs, err := decodeMessages(data)
			if err != nil {
				return err
			}
			a := transcript.Analyze(msgs)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reportFor(msgs, a))
			}
			renderReport(cmd.OutOrStdout(), msgs, a)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the analysis as JSON")
	return cmd
}

// newWatchCmd creates the watch command
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print session ids of conversations that need a clinician",
		Long:  "Listen for attention notifications emitted by the Postgres store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("database-url")
			channel, _ := cmd.Flags().GetString("channel")
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ids, err := persistence.Listen(ctx, dsn, channel, observability.WithFields("component", "watch"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", channel)
			for id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), attentionLine(time.Now(), id))
			}
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	cmd.Flags().String("channel", config.DefaultNotifyChannel, "Notification channel")
	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return data, nil
}

func decodeMessages(data []byte) ([]domain.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("transcript is empty")
	}
	if data[0] == '[' {
		var msgs []domain.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return msgs, validate(msgs)
	}
	var log domain.ConversationLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode conversation log: %w", err)
	}
	return log.Messages, validate(log.Messages)
}

func validate(msgs []domain.Message) error {
	for i, m := range msgs {
		if m.Role != domain.RolePatient && m.Role != domain.RoleAgent {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}

type report struct {
	Messages          int               `json:"messages"`
	Questions         int               `json:"questions"`
	Answered          []domain.Question `json:"answered_questions"`
	Unanswered        []domain.Question `json:"unanswered_questions"`
	DurationSeconds   float64           `json:"duration_seconds"`
	RequiresAttention bool              `json:"requires_attention"`
}

func reportFor(msgs []domain.Message, a transcript.Analysis) report {
	return report{
		Messages:          len(msgs),
		Questions:         a.QuestionCount(),
		Answered:          a.Answered,
		Unanswered:        a.Unanswered,
		DurationSeconds:   a.DurationSeconds,
		RequiresAttention: a.RequiresAttention,
	}
}
