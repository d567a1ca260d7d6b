package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/backend"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/history"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/policy"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
)

const selfID = "491700000000@s.whatsapp.net"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChat is an in-memory collaborator.
type fakeChat struct {
	mu         sync.Mutex
	history    map[string][]channels.ChatMessage
	historyErr error
	sendErr    error
	fetches    int
	sent       []sentMessage
	events     chan channels.Event
}

type sentMessage struct {
	chatID string
	text   string
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		history: make(map[string][]channels.ChatMessage),
		events:  make(chan channels.Event, 16),
	}
}

func (f *fakeChat) Name() string                      { return "fake" }
func (f *fakeChat) Connect(ctx context.Context) error { return nil }
func (f *fakeChat) Disconnect() error                 { return nil }
func (f *fakeChat) Events() <-chan channels.Event     { return f.events }

func (f *fakeChat) FetchHistory(ctx context.Context, chatID string, limit int) ([]channels.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	msgs := f.history[chatID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]channels.ChatMessage(nil), msgs...), nil
}

func (f *fakeChat) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeChat) counts() (fetches, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, len(f.sent)
}

// fakeBackend records payloads and returns a canned reply.
type fakeBackend struct {
	mu       sync.Mutex
	reply    string
	err      error
	payloads []*history.Payload
}

func (b *fakeBackend) Inference(ctx context.Context, p *history.Payload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, p)
	return b.reply, b.err
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func readySession() *session.Controller {
	s := session.New(testLogger())
	s.OnAuthenticated(selfID)
	return s
}

func inbound(chatID, sender, body string, ts int64) channels.ChatMessage {
	return channels.ChatMessage{ChatID: chatID, Sender: sender, Body: body, Timestamp: ts}
}

func TestHandleMessageReplies(t *testing.T) {
	chat := newFakeChat()
	chat.history["A"] = []channels.ChatMessage{
		inbound("A", "A", "hi", 1),
		inbound("A", selfID, "hello", 2),
		inbound("A", "A", "hi", 3),
	}
	be := &fakeBackend{reply: "how can I help?"}
	r := New(DefaultConfig(), chat, readySession(), be, testLogger())

	outcome := r.HandleMessage(context.Background(), inbound("A", "A", "hi", 3))
	if outcome != OutcomeReplied {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeReplied)
	}

	if len(chat.sent) != 1 || chat.sent[0] != (sentMessage{"A", "how can I help?"}) {
		t.Errorf("sent = %+v", chat.sent)
	}

	p := be.payloads[0]
	if p.ChatID != "A" {
		t.Errorf("payload chat = %q", p.ChatID)
	}
	if p.LastMessage != (history.NormalizedMessage{Role: "A", Body: "hi", Timestamp: 3}) {
		t.Errorf("last message = %+v", p.LastMessage)
	}
	if len(p.History) != 1 || p.History[0].Role != history.RoleAssistant || p.History[0].Body != "hello" {
		t.Errorf("history = %+v", p.History)
	}
}

// Scenario B: a message from the self identity triggers nothing.
func TestHandleMessageSelfIsFiltered(t *testing.T) {
	chat := newFakeChat()
	be := &fakeBackend{reply: "never"}
	r := New(DefaultConfig(), chat, readySession(), be, testLogger())

	outcome := r.HandleMessage(context.Background(), inbound("A", selfID, "my own message", 1))
	if outcome != OutcomeFiltered {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeFiltered)
	}

	fetches, sent := chat.counts()
	if fetches != 0 || be.calls() != 0 || sent != 0 {
		t.Errorf("expected no work, got fetches=%d backend=%d sent=%d", fetches, be.calls(), sent)
	}
}

// Scenario C: an HTTP 500 from the backend sends nothing.
func TestHandleMessageBackend500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	chat := newFakeChat()
	chat.history["A"] = []channels.ChatMessage{inbound("A", "A", "hi", 1)}
	be := backend.New(backend.Config{URL: srv.URL, Timeout: time.Second}, testLogger())
	r := New(DefaultConfig(), chat, readySession(), be, testLogger())

	outcome := r.HandleMessage(context.Background(), inbound("A", "A", "hi", 1))
	if outcome != OutcomeBackendError {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeBackendError)
	}
	if _, sent := chat.counts(); sent != 0 {
		t.Errorf("expected nothing sent, got %d", sent)
	}
}

func TestHandleMessageLocaleRule(t *testing.T) {
	chat := newFakeChat()
	chat.history["491701234567@s.whatsapp.net"] = []channels.ChatMessage{
		inbound("491701234567@s.whatsapp.net", "491701234567@s.whatsapp.net", "hallo", 1),
	}
	be := &fakeBackend{reply: "hallo zurück"}
	cfg := DefaultConfig()
	cfg.Policy = policy.Rule{LocalePrefix: "49"}
	r := New(cfg, chat, readySession(), be, testLogger())

	if got := r.HandleMessage(context.Background(),
		inbound("15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net", "hello", 1)); got != OutcomeFiltered {
		t.Errorf("US sender outcome = %q, want %q", got, OutcomeFiltered)
	}
	if got := r.HandleMessage(context.Background(),
		inbound("491701234567@s.whatsapp.net", "491701234567@s.whatsapp.net", "hallo", 1)); got != OutcomeReplied {
		t.Errorf("DE sender outcome = %q, want %q", got, OutcomeReplied)
	}
	if be.calls() != 1 {
		t.Errorf("expected exactly one backend call, got %d", be.calls())
	}
}

func TestHandleMessageFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(chat *fakeChat, be *fakeBackend)
		want    Outcome
		backend int
	}{
		{
			name: "history fetch error",
			setup: func(chat *fakeChat, be *fakeBackend) {
				chat.historyErr = errors.New("store closed")
			},
			want: OutcomeHistoryError,
		},
		{
			name:  "empty history",
			setup: func(chat *fakeChat, be *fakeBackend) {},
			want:  OutcomeHistoryEmpty,
		},
		{
			name: "backend unreachable",
			setup: func(chat *fakeChat, be *fakeBackend) {
				chat.history["A"] = []channels.ChatMessage{inbound("A", "A", "hi", 1)}
				be.err = &backend.Error{Kind: backend.KindUnreachable, Err: errors.New("connection refused")}
			},
			want:    OutcomeBackendError,
			backend: 1,
		},
		{
			name: "send fails",
			setup: func(chat *fakeChat, be *fakeBackend) {
				chat.history["A"] = []channels.ChatMessage{inbound("A", "A", "hi", 1)}
				chat.sendErr = channels.ErrChannelDisconnected
				be.reply = "reply"
			},
			want:    OutcomeSendError,
			backend: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := newFakeChat()
			be := &fakeBackend{}
			tt.setup(chat, be)
			r := New(DefaultConfig(), chat, readySession(), be, testLogger())

			if got := r.HandleMessage(context.Background(), inbound("A", "A", "hi", 1)); got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
			if be.calls() != tt.backend {
				t.Errorf("backend calls = %d, want %d", be.calls(), tt.backend)
			}
			if _, sent := chat.counts(); sent != 0 {
				t.Errorf("expected nothing sent, got %d", sent)
			}
			if r.Stats()[tt.want] != 1 {
				t.Errorf("stats = %v", r.Stats())
			}
		})
	}
}

func TestHandleMessageBeforeReady(t *testing.T) {
	chat := newFakeChat()
	be := &fakeBackend{reply: "x"}
	r := New(DefaultConfig(), chat, session.New(testLogger()), be, testLogger())

	if got := r.HandleMessage(context.Background(), inbound("A", "A", "hi", 1)); got != OutcomeNotReady {
		t.Errorf("outcome = %q, want %q", got, OutcomeNotReady)
	}
	if fetches, _ := chat.counts(); fetches != 0 {
		t.Error("expected no history fetch before ready")
	}
}

func TestHistoryLimit(t *testing.T) {
	chat := newFakeChat()
	for i := int64(1); i <= 10; i++ {
		chat.history["A"] = append(chat.history["A"], inbound("A", "A", string(rune('a'+i)), i))
	}
	be := &fakeBackend{reply: "ok"}
	r := New(Config{HistoryLimit: 3}, chat, readySession(), be, testLogger())

	r.HandleMessage(context.Background(), inbound("A", "A", "k", 10))
	if got := len(be.payloads[0].History); got != 2 {
		t.Errorf("history len = %d, want 2", got)
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	chat := newFakeChat()
	chat.history["A"] = []channels.ChatMessage{inbound("A", "A", "hi", 1)}
	be := &fakeBackend{reply: "hey"}
	sess := session.New(testLogger())
	r := New(DefaultConfig(), chat, sess, be, testLogger())

	events := make(chan channels.Event, 8)
	events <- channels.QR("qr-1")
	events <- channels.QR("qr-2")
	events <- channels.Ready(selfID)
	events <- channels.Message(inbound("A", "A", "hi", 1))
	events <- channels.LoggedOut("test")
	close(events)

	if err := r.Run(context.Background(), events); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if id, ok := sess.SelfID(); !ok || id != selfID {
		t.Errorf("session self id = %q (ready=%v)", id, ok)
	}
	if sess.State().Challenges != 2 {
		t.Errorf("expected 2 challenges, got %d", sess.State().Challenges)
	}
	if _, sent := chat.counts(); sent != 1 {
		t.Errorf("expected 1 reply after Run returns, got %d", sent)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := New(DefaultConfig(), newFakeChat(), readySession(), &fakeBackend{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, make(chan channels.Event)) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunConcurrentMessages(t *testing.T) {
	chat := newFakeChat()
	for _, id := range []string{"A", "B", "C", "D"} {
		chat.history[id] = []channels.ChatMessage{inbound(id, id, "hi", 1)}
	}
	be := &fakeBackend{reply: "ok"}
	r := New(DefaultConfig(), chat, readySession(), be, testLogger())

	events := make(chan channels.Event, 8)
	for _, id := range []string{"A", "B", "C", "D"} {
		events <- channels.Message(inbound(id, id, "hi", 1))
	}
	close(events)

	if err := r.Run(context.Background(), events); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if _, sent := chat.counts(); sent != 4 {
		t.Errorf("expected 4 replies, got %d", sent)
	}
	if r.Stats()[OutcomeReplied] != 4 {
		t.Errorf("stats = %v", r.Stats())
	}
}
