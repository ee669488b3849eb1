package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/carechat/internal/observability"
)

const (
	eventBuffer  = 1024
	writeTimeout = 5 * time.Second
)

// ElevenLabs opens Conversational AI websocket sessions.
type ElevenLabs struct {
	Endpoint         string
	APIKey           string
	HandshakeTimeout time.Duration
}

// NewElevenLabs creates a transport for the given convai endpoint.
func NewElevenLabs(endpoint, apiKey string, handshakeTimeout time.Duration) *ElevenLabs {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &ElevenLabs{Endpoint: endpoint, APIKey: apiKey, HandshakeTimeout: handshakeTimeout}
}

// ElevenLabs message types
type inboundMessage struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
		PingMs  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

type userMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type initiationMessage struct {
	Type string `json:"type"`
}

// Open dials the agent and starts the reader goroutine.
func (e *ElevenLabs) Open(ctx context.Context, agentID string) (Channel, error) {
	if agentID == "" {
		return nil, fmt.Errorf("elevenlabs: agent id is empty")
	}
	u, err := url.Parse(e.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if e.APIKey != "" {
		headers.Set("xi-api-key", e.APIKey)
	}

	log := observability.WithFields("agent_id", agentID, "upstream", "elevenlabs")
	dialer := websocket.Dialer{HandshakeTimeout: e.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			log.Warn("elevenlabs handshake rejected", "status", resp.StatusCode)
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	c := &elevenLabsChannel{
		conn:    conn,
		events:  make(chan Event, eventBuffer),
		closing: make(chan struct{}),
		log:     log,
	}
	if err := c.writeJSON(initiationMessage{Type: "conversation_initiation_client_data"}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("elevenlabs: send initiation: %w", err)
	}
	go c.handleMessages()
	log.Info("connected to elevenlabs agent")
	return c, nil
}

type elevenLabsChannel struct {
	conn   *websocket.Conn
	events chan Event
	log    *slog.Logger

	writeMu   sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
}

// Send discards events still queued from an earlier turn, then forwards
// the text as a user_message.
func (c *elevenLabsChannel) Send(ctx context.Context, text string) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.discardPending()
	if err := c.writeJSON(userMessage{Type: "user_message", Text: text}); err != nil {
		return fmt.Errorf("elevenlabs: send user message: %w", err)
	}
	return nil
}

func (c *elevenLabsChannel) NextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	return receive(ctx, c.events, timeout)
}

// Close sends a close frame and tears down the connection. The reader
// goroutine exits on the resulting read error.
func (c *elevenLabsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.log.Info("elevenlabs connection closed")
	})
	return err
}

func (c *elevenLabsChannel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *elevenLabsChannel) discardPending() {
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// handleMessages processes incoming WebSocket messages until the
// connection fails, then closes the event channel.
func (c *elevenLabsChannel) handleMessages() {
	defer close(c.events)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in handleMessages", "panic", r)
		}
	}()
	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn("elevenlabs read failed", "error", err)
				}
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, ok := c.processMessage(message)
		if !ok {
			continue
		}
		if ev.Kind == EventKeepalive {
			// keepalives are droppable when nobody is consuming
			select {
			case c.events <- ev:
			default:
			}
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

// processMessage decodes one frame. Frames that carry nothing the
// collector needs are logged and dropped.
func (c *elevenLabsChannel) processMessage(message []byte) (Event, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.log.Warn("error unmarshaling message", "error", err)
		return Event{}, false
	}
	switch msg.Type {
	case "ping":
		var id int64
		if msg.PingEvent != nil {
			id = msg.PingEvent.EventID
		}
		if err := c.writeJSON(pongMessage{Type: "pong", EventID: id}); err != nil {
			c.log.Warn("failed to answer ping", "event_id", id, "error", err)
		}
		return Event{Kind: EventKeepalive}, true
	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return Event{}, false
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			c.log.Warn("invalid audio payload", "event_id", msg.AudioEvent.EventID, "error", err)
			return Event{}, false
		}
		return Event{Kind: EventAudioChunk, Audio: pcm}, true
	case "agent_response":
		if msg.AgentResponseEvent == nil {
			return Event{}, false
		}
		return Event{Kind: EventResponseText, Text: msg.AgentResponseEvent.AgentResponse}, true
	case "conversation_initiation_metadata":
		if m := msg.ConversationInitiationMetadataEvent; m != nil {
			c.log.Info("elevenlabs conversation began",
				"conversation_id", m.ConversationID,
				"audio_format", m.AgentOutputAudioFormat)
		}
		return Event{}, false
	case "user_transcript", "interruption", "agent_response_correction", "vad_score":
		c.log.Debug("ignoring elevenlabs event", "type", msg.Type)
		return Event{}, false
	default:
		c.log.Debug("unknown message type", "type", msg.Type)
		return Event{}, false
	}
}
