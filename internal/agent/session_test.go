package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/carechat/internal/collector"
	"github.com/chadiek/carechat/internal/config"
	"github.com/chadiek/carechat/internal/domain"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/observability"
	"github.com/chadiek/carechat/internal/upstream"
)

type fakeChannel struct {
	mu        sync.Mutex
	sent      []string
	events    chan upstream.Event
	closed    chan struct{}
	closeOnce sync.Once
	reply     func(text string) []upstream.Event
}

func newFakeChannel(reply func(string) []upstream.Event) *fakeChannel {
	return &fakeChannel{events: make(chan upstream.Event, 64), closed: make(chan struct{}), reply: reply}
}

func (c *fakeChannel) Send(ctx context.Context, text string) error {
	select {
	case <-c.closed:
		return upstream.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	if c.reply != nil {
		for _, ev := range c.reply(text) {
			c.events <- ev
		}
	}
	return nil
}

func (c *fakeChannel) NextEvent(ctx context.Context, timeout time.Duration) (upstream.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return upstream.Event{}, upstream.ErrClosed
	case <-timer.C:
		return upstream.Event{}, upstream.ErrTimeout
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeTransport struct {
	mu       sync.Mutex
	openErr  error
	reply    func(string) []upstream.Event
	channels []*fakeChannel
}

func (t *fakeTransport) Open(ctx context.Context, agentID string) (upstream.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	ch := newFakeChannel(t.reply)
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *fakeTransport) totalSends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ch := range t.channels {
		n += ch.sends()
	}
	return n
}

// flakyStore wraps Memory and fails selected operations.
type flakyStore struct {
	*persistence.Memory
	appendFails  atomic.Bool
	logFailsLeft atomic.Int32
	logCalls     atomic.Int32
}

func (s *flakyStore) AppendMessage(ctx context.Context, id string, m domain.Message) error {
	if s.appendFails.Load() {
		return errors.New("disk full")
	}
	return s.Memory.AppendMessage(ctx, id, m)
}

func (s *flakyStore) SaveConversationLog(ctx context.Context, l domain.ConversationLog) error {
	s.logCalls.Add(1)
	if s.logFailsLeft.Load() > 0 {
		s.logFailsLeft.Add(-1)
		return errors.New("connection reset")
	}
	return s.Memory.SaveConversationLog(ctx, l)
}

func echoReply(text string) []upstream.Event {
	return []upstream.Event{
		{Kind: upstream.EventAudioChunk, Audio: []byte{1}},
		{Kind: upstream.EventKeepalive},
		{Kind: upstream.EventResponseText, Text: "re: " + text},
		{Kind: upstream.EventAudioChunk, Audio: []byte{2, 3}},
	}
}

func testCollector() *collector.Collector {
	return collector.New(config.Timing{ResponseTimeout: 200 * time.Millisecond, DrainWindow: 20 * time.Millisecond}, nil)
}

func newTestManager(tr *fakeTransport, store persistence.Gateway, c Collector) *Manager {
	if c == nil {
		c = testCollector()
	}
	return NewManager(Options{Transport: tr, Store: store, Collector: c, Shards: 4})
}

func TestCreateSession_DistinctIDs(t *testing.T) {
	store := persistence.NewMemory()
	m := newTestManager(&fakeTransport{}, store, nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := m.CreateSession(context.Background(), fmt.Sprintf("p%d", i), "agent")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
		if _, ok := store.Session(s.ID); !ok {
			t.Fatalf("session %s not persisted", s.ID)
		}
	}
	if m.ActiveSessions() != 50 {
		t.Fatalf("expected 50 active sessions, got %d", m.ActiveSessions())
	}
}

func TestCreateSession_OpenFailureCreatesNothing(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("dial tcp: refused")}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	_, err := m.CreateSession(context.Background(), "p1", "agent")
	if !errors.Is(err, domain.ErrUpstreamConnection) {
		t.Fatalf("expected ErrUpstreamConnection, got %v", err)
	}
	if m.ActiveSessions() != 0 {
		t.Fatalf("expected no session record")
	}
}

func TestCreateSession_RequiresIDs(t *testing.T) {
	m := newTestManager(&fakeTransport{}, persistence.NewMemory(), nil)
	for _, tc := range [][2]string{{"", "agent"}, {"p1", ""}, {"  ", "agent"}} {
		if _, err := m.CreateSession(context.Background(), tc[0], tc[1]); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", tc, err)
		}
	}
}

func TestSendMessage_UnknownSessionMakesNoChannelCall(t *testing.T) {
	tr := &fakeTransport{reply: echoReply}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	if _, err := m.CreateSession(context.Background(), "p1", "agent"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := m.SendMessage(context.Background(), "never-created", "hello?")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if tr.totalSends() != 0 {
		t.Fatalf("expected no channel call, got %d", tr.totalSends())
	}
}

func TestSendMessage_EmptyTextRejected(t *testing.T) {
	tr := &fakeTransport{reply: echoReply}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	s, _ := m.CreateSession(context.Background(), "p1", "agent")
	if _, err := m.SendMessage(context.Background(), s.ID, "   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSendMessage_ReplyThenEndProducesLog(t *testing.T) {
	store := persistence.NewMemory()
	m := newTestManager(&fakeTransport{reply: echoReply}, store, nil)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "p1", "agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reply, err := m.SendMessage(ctx, s.ID, "Does this hurt?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Text != "re: Does this hurt?" {
		t.Fatalf("unexpected reply text %q", reply.Text)
	}
	if string(reply.Audio) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected reply audio %v", reply.Audio)
	}

	sum, err := m.EndSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sum.MessageCount != 2 || sum.RequiresAttention || sum.UnansweredCount != 0 || sum.PatientID != "p1" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	log, ok := store.ConversationLog(s.ID)
	if !ok {
		t.Fatalf("conversation log not saved")
	}
	if len(log.AnsweredQuestions) != 1 || log.Messages[0].Role != domain.RolePatient || log.Messages[1].Role != domain.RoleAgent {
		t.Fatalf("unexpected log %+v", log)
	}
	if !log.Messages[1].Timestamp.After(log.Messages[0].Timestamp) {
		t.Fatalf("timestamps not strictly increasing")
	}
}

func TestSendMessage_TimeoutStillRecordsQuestion(t *testing.T) {
	store := persistence.NewMemory()
	tr := &fakeTransport{reply: func(string) []upstream.Event {
		return []upstream.Event{{Kind: upstream.EventKeepalive}}
	}}
	m := newTestManager(tr, store, nil)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "p1", "agent")
	if _, err := m.SendMessage(ctx, s.ID, "Will I need surgery?"); !errors.Is(err, domain.ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
	sum, err := m.EndSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !sum.RequiresAttention || sum.UnansweredCount != 1 || sum.DurationSeconds != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSendMessage_AfterChannelClosed(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	s, _ := m.CreateSession(context.Background(), "p1", "agent")
	_ = tr.channels[0].Close()
	if _, err := m.SendMessage(context.Background(), s.ID, "hello"); !errors.Is(err, domain.ErrUpstreamConnection) {
		t.Fatalf("expected ErrUpstreamConnection, got %v", err)
	}
}

// countingCollector records how many collections overlap.
type countingCollector struct {
	inner  Collector
	active atomic.Int32
	max    atomic.Int32
}

func (c *countingCollector) Collect(ctx context.Context, rx collector.Receiver) (domain.AgentReply, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		cur := c.max.Load()
		if n <= cur || c.max.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.inner.Collect(ctx, rx)
}

func TestSendMessage_SerializesConcurrentCalls(t *testing.T) {
	store := persistence.NewMemory()
	cc := &countingCollector{inner: testCollector()}
	m := newTestManager(&fakeTransport{reply: echoReply}, store, cc)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "p1", "agent")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.SendMessage(ctx, s.ID, fmt.Sprintf("message %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("send: %v", err)
	}
	if cc.max.Load() != 1 {
		t.Fatalf("expected exchanges to be serialized, saw %d overlapping", cc.max.Load())
	}
	if _, err := m.EndSession(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	msgs, _ := store.GetMessages(ctx, s.ID)
	if len(msgs) != 16 {
		t.Fatalf("expected 16 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].Timestamp.After(msgs[i-1].Timestamp) {
			t.Fatalf("message %d not after message %d", i, i-1)
		}
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != domain.RolePatient || msgs[i+1].Role != domain.RoleAgent {
			t.Fatalf("exchange %d out of order", i/2)
		}
	}
}

// gateCollector blocks until released.
type gateCollector struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateCollector) Collect(ctx context.Context, rx collector.Receiver) (domain.AgentReply, error) {
	g.entered <- struct{}{}
	<-g.release
	return domain.AgentReply{Text: "done", Timestamp: time.Now()}, nil
}

func TestSendMessage_QueuedCallerCanCancel(t *testing.T) {
	gate := &gateCollector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(&fakeTransport{}, persistence.NewMemory(), gate)
	s, _ := m.CreateSession(context.Background(), "p1", "agent")

	first := make(chan error, 1)
	go func() {
		_, err := m.SendMessage(context.Background(), s.ID, "first")
		first <- err
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.SendMessage(ctx, s.ID, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected queued call to give up, got %v", err)
	}
	close(gate.release)
	if err := <-first; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestEndSession_SessionIsGoneAfterwards(t *testing.T) {
	tr := &fakeTransport{reply: echoReply}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "p1", "agent")
	if _, err := m.EndSession(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !tr.channels[0].isClosed() {
		t.Fatalf("expected channel closed")
	}
	if _, err := m.SendMessage(ctx, s.ID, "hello?"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after end, got %v", err)
	}
	if _, err := m.EndSession(ctx, s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second end, got %v", err)
	}
	if m.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions")
	}
}

func TestEndSession_PersistenceFailureKeepsSessionLive(t *testing.T) {
	store := &flakyStore{Memory: persistence.NewMemory()}
	store.logFailsLeft.Store(2)
	tr := &fakeTransport{reply: echoReply}
	m := newTestManager(tr, store, nil)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "p1", "agent")

	if _, err := m.EndSession(ctx, s.ID); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if store.logCalls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", store.logCalls.Load())
	}
	if m.ActiveSessions() != 1 || tr.channels[0].isClosed() {
		t.Fatalf("session should stay live after a failed end")
	}
	if _, err := m.SendMessage(ctx, s.ID, "still there?"); err != nil {
		t.Fatalf("send after failed end: %v", err)
	}
	sum, err := m.EndSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("retry end: %v", err)
	}
	if sum.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", sum.MessageCount)
	}
}

func TestSendMessage_PersistenceFailureDoesNotBlockReply(t *testing.T) {
	store := &flakyStore{Memory: persistence.NewMemory()}
	store.appendFails.Store(true)
	m := newTestManager(&fakeTransport{reply: echoReply}, store, nil)
	ctx := context.Background()
	s, _ := m.CreateSession(ctx, "p1", "agent")
	reply, err := m.SendMessage(ctx, s.ID, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Text != "re: hi" {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
}

func TestShutdown_ClosesEveryChannel(t *testing.T) {
	tr := &fakeTransport{reply: echoReply}
	m := newTestManager(tr, persistence.NewMemory(), nil)
	for i := 0; i < 5; i++ {
		if _, err := m.CreateSession(context.Background(), "p", "agent"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for i, ch := range tr.channels {
		if !ch.isClosed() {
			t.Fatalf("channel %d left open", i)
		}
	}
	if m.ActiveSessions() != 0 {
		t.Fatalf("expected empty table after shutdown")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestSendMessage_LogsSessionIDOnce(t *testing.T) {
	out := &lockedBuffer{}
	observability.Setup(out, "json", "info")
	t.Cleanup(func() { observability.Setup(os.Stdout, "json", "info") })

	m := newTestManager(&fakeTransport{reply: echoReply}, persistence.NewMemory(), nil)
	s, err := m.CreateSession(context.Background(), "p1", "agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// request-scoped context, as the HTTP middleware builds it
	ctx := observability.WithSessionID(context.Background(), s.ID)
	if _, err := m.SendMessage(ctx, s.ID, "hello?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := m.SendMessage(context.Background(), s.ID, "and without?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	found := 0
	for _, line := range out.lines() {
		if !strings.Contains(line, `"exchange complete"`) {
			continue
		}
		found++
		if n := strings.Count(line, `"session_id"`); n != 1 {
			t.Fatalf("expected session_id once, got %d in %s", n, line)
		}
	}
	if found != 2 {
		t.Fatalf("expected 2 exchange log lines, got %d", found)
	}
}
