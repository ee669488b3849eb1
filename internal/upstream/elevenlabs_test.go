package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readType(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	return m
}

func TestElevenLabs_DecodesEventsAndAnswersPing(t *testing.T) {
	pong := make(chan float64, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("agent_id") != "agent-1" {
			t.Errorf("missing agent_id, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("xi-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if m := readType(t, conn); m == nil || m["type"] != "conversation_initiation_client_data" {
			t.Errorf("expected initiation message, got %v", m)
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":                                   "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{"conversation_id": "c1"},
		})
		m := readType(t, conn)
		if m == nil || m["type"] != "user_message" || m["text"] != "hello" {
			t.Errorf("expected user_message hello, got %v", m)
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7}})
		if m := readType(t, conn); m != nil && m["type"] == "pong" {
			pong <- m["event_id"].(float64)
		}
		_ = conn.WriteJSON(map[string]any{"type": "user_transcript"})
		_ = conn.WriteJSON(map[string]any{
			"type":        "audio",
			"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "event_id": 1},
		})
		_ = conn.WriteJSON(map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "hi there"},
		})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	tr := NewElevenLabs(wsURL(srv), "secret", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := tr.Open(ctx, "agent-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	if err := ch.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var kinds []EventKind
	var audio []byte
	var text string
	for {
		ev, err := ch.NextEvent(ctx, time.Second)
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("next event: %v", err)
		}
		kinds = append(kinds, ev.Kind)
		audio = append(audio, ev.Audio...)
		if ev.Kind == EventResponseText {
			text = ev.Text
		}
	}
	want := []EventKind{EventKeepalive, EventAudioChunk, EventResponseText}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}
	if string(audio) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected audio %v", audio)
	}
	if text != "hi there" {
		t.Fatalf("unexpected text %q", text)
	}
	select {
	case id := <-pong:
		if id != 7 {
			t.Fatalf("expected pong for event 7, got %v", id)
		}
	default:
		t.Fatalf("server never received pong")
	}
}

func TestElevenLabs_NextEventTimeoutAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch, err := NewElevenLabs(wsURL(srv), "", time.Second).Open(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	if _, err := ch.NextEvent(context.Background(), 30*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ch.NextEvent(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestElevenLabs_OpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	if _, err := NewElevenLabs(wsURL(srv), "bad", time.Second).Open(context.Background(), "agent-1"); err == nil {
		t.Fatalf("expected handshake error")
	}
	if _, err := NewElevenLabs(wsURL(srv), "", time.Second).Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty agent id")
	}
}

func TestProcessMessage_IgnoresMalformedFrames(t *testing.T) {
	c := &elevenLabsChannel{log: nopLogger()}
	cases := []string{
		`not-json`,
		`{"type":"audio"}`,
		`{"type":"audio","audio_event":{"audio_base_64":"%%%"}}`,
		`{"type":"interruption"}`,
		`{"type":"something_new"}`,
	}
	for _, raw := range cases {
		if ev, ok := c.processMessage([]byte(raw)); ok {
			t.Fatalf("expected %s to be dropped, got %+v", raw, ev)
		}
	}
	b, _ := json.Marshal(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": ""}})
	if ev, ok := c.processMessage(b); !ok || ev.Kind != EventResponseText {
		t.Fatalf("empty agent_response should still be a response_text event")
	}
}
