package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chadiek/carechat/internal/observability"
)

const defaultSystemPrompt = "You are a careful, friendly assistant answering a patient's follow-up questions. Answer clearly and briefly."

// OpenAI is a text-only transport backed by a chat completions API. Any
// OpenAI-compatible endpoint works when BaseURL is set. It never emits
// audio, so every reply drains to a nil audio payload.
type OpenAI struct {
	client       *openai.Client
	Model        string
	SystemPrompt string
	// RequestTimeout bounds one completion call. Keep it no longer than the
	// collector's response timeout so an abandoned turn is cancelled upstream.
	RequestTimeout time.Duration
}

// NewOpenAI builds the transport. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{
		client:         openai.NewClientWithConfig(cfg),
		Model:          model,
		SystemPrompt:   defaultSystemPrompt,
		RequestTimeout: 10 * time.Second,
	}
}

func (o *OpenAI) Open(ctx context.Context, agentID string) (Channel, error) {
	if agentID == "" {
		return nil, fmt.Errorf("openai: agent id is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chCtx, cancel := context.WithCancel(context.Background())
	c := &openAIChannel{
		owner:  o,
		ctx:    chCtx,
		cancel: cancel,
		events: make(chan Event, 16),
		log:    observability.WithFields("agent_id", agentID, "upstream", "openai"),
		history: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.SystemPrompt},
		},
	}
	return c, nil
}

type openAIChannel struct {
	owner  *OpenAI
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	log    *slog.Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
	wg      sync.WaitGroup
	closed  bool
	// turn numbers Sends; a completion whose turn is no longer current is dropped.
	turn       uint64
	cancelTurn context.CancelFunc
}

// Send starts a completion in the background. A failed completion is logged
// and produces no event, so the collector reports a stream timeout. Starting
// a new turn cancels the previous completion and discards its pending reply.
func (c *openAIChannel) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.discardPending()
	c.turn++
	turn := c.turn
	var (
		turnCtx context.Context
		cancel  context.CancelFunc
	)
	if c.owner.RequestTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(c.ctx, c.owner.RequestTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(c.ctx)
	}
	c.cancelTurn = cancel
	c.history = append(c.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
	msgs := make([]openai.ChatCompletionMessage, len(c.history))
	copy(msgs, c.history)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.complete(turnCtx, cancel, turn, msgs)
	return nil
}

// discardPending empties the event buffer and drops undelivered answers
// from history. Callers hold c.mu.
func (c *openAIChannel) discardPending() {
	for {
		select {
		case ev := <-c.events:
			c.log.Debug("discarding reply from an earlier turn", "kind", ev.Kind)
			if n := len(c.history); ev.Kind == EventResponseText && n > 0 &&
				c.history[n-1].Role == openai.ChatMessageRoleAssistant && c.history[n-1].Content == ev.Text {
				c.history = c.history[:n-1]
			}
		default:
			return
		}
	}
}

func (c *openAIChannel) complete(ctx context.Context, cancel context.CancelFunc, turn uint64, msgs []openai.ChatCompletionMessage) {
	defer c.wg.Done()
	defer cancel()

	resp, err := c.owner.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.owner.Model,
		Messages: msgs,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if turn != c.turn {
		c.log.Warn("dropping completion for a superseded turn", "turn", turn, "current", c.turn)
		return
	}
	if err != nil {
		c.log.Error("chat completion failed", "error", err)
		return
	}
	if len(resp.Choices) == 0 {
		c.log.Error("chat completion returned no choices")
		return
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.history = append(c.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	select {
	case c.events <- Event{Kind: EventResponseText, Text: answer}:
	default:
		c.log.Warn("event buffer full, dropping reply")
	}
}

func (c *openAIChannel) NextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	return receive(ctx, c.events, timeout)
}

func (c *openAIChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.events)
	return nil
}
