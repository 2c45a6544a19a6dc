package usecase

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llm-playground/internal/adapter/llm"
	"llm-playground/internal/adapter/store"
	"llm-playground/internal/domain"
)

// --- fakeStore ---

// fakeStore wraps the in-memory store, records every status and content
// write in order, and can be told to fail content updates or appends of one
// role.
type fakeStore struct {
	*store.MemoryStore

	mu         sync.Mutex
	calls      []string
	statuses   map[string][]domain.MessageStatus
	failUpdate error
	failAppend map[domain.Role]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		MemoryStore: store.NewMemoryStore(),
		statuses:    make(map[string][]domain.MessageStatus),
	}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeStore) AppendMessage(ctx context.Context, conversationID string, role domain.Role, initialContent string) (string, error) {
	s.mu.Lock()
	fail := s.failAppend[role]
	s.mu.Unlock()
	if fail != nil {
		return "", domain.NewPersistenceError("append message", fail)
	}
	return s.MemoryStore.AppendMessage(ctx, conversationID, role, initialContent)
}

func (s *fakeStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	s.record("update:" + content)
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail != nil {
		return domain.NewPersistenceError("update content", fail)
	}
	return s.MemoryStore.UpdateMessageContent(ctx, messageID, content)
}

func (s *fakeStore) SetMessageStatus(ctx context.Context, messageID string, status domain.MessageStatus) error {
	s.record("status:" + string(status))
	s.mu.Lock()
	s.statuses[messageID] = append(s.statuses[messageID], status)
	s.mu.Unlock()
	return s.MemoryStore.SetMessageStatus(ctx, messageID, status)
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// terminalWrites counts terminal status writes to one message.
func (s *fakeStore) terminalWrites(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.statuses[messageID] {
		if st.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *fakeStore) message(t *testing.T, conversationID, messageID string) domain.Message {
	t.Helper()
	msgs, err := s.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == messageID {
			return m
		}
	}
	t.Fatalf("message %s not found", messageID)
	return domain.Message{}
}

// --- recordingBus ---

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
	onEvt  func(domain.Event)
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	hook := b.onEvt
	b.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func (b *recordingBus) count(t domain.EventType) int {
	n := 0
	for _, et := range b.Types() {
		if et == t {
			n++
		}
	}
	return n
}

// --- senders ---

type senderFunc func(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error)

func (f senderFunc) Send(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error) {
	return f(ctx, req)
}

func sseResponse(body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(body),
	}
}

// transcriptSender replies with a fixed SSE transcript.
func transcriptSender(transcript string) senderFunc {
	return func(context.Context, *domain.ProviderRequest) (*http.Response, error) {
		return sseResponse(strings.NewReader(transcript)), nil
	}
}

// closeRecorder is a response body that notes when it is closed.
type closeRecorder struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeRecorder) Close() error {
	c.closed.Store(true)
	return nil
}

// pipeSender hands the test the write end of each response body.
type pipeSender struct {
	writers chan *io.PipeWriter
}

func newPipeSender() *pipeSender {
	return &pipeSender{writers: make(chan *io.PipeWriter, 4)}
}

func (p *pipeSender) Send(context.Context, *domain.ProviderRequest) (*http.Response, error) {
	pr, pw := io.Pipe()
	p.writers <- pw
	return &http.Response{StatusCode: http.StatusOK, Body: pr}, nil
}

func (p *pipeSender) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-p.writers:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("request was never sent")
		return nil
	}
}

func openaiChunk(text string) string {
	return `data: {"choices":[{"index":0,"delta":{"content":"` + text + `"},"finish_reason":null}]}` + "\n\n"
}

const openaiStop = `data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"

const openaiDone = "data: [DONE]\n\n"

func newDecoder(r io.Reader) EventSource { return llm.NewDecoder(r, 0) }

func newTestAggregator(sender Sender, st domain.ConversationStore, bus domain.EventBus) *Aggregator {
	return NewAggregator(AggregatorDeps{
		Sender:     sender,
		Store:      st,
		NewDecoder: newDecoder,
		Bus:        bus,
	})
}

// pendingRun creates a conversation with a pending assistant message and a
// RunRequest targeting it.
func pendingRun(t *testing.T, st *fakeStore) RunRequest {
	t.Helper()
	ctx := context.Background()
	conv := &domain.Conversation{Provider: "openai"}
	require.NoError(t, st.CreateConversation(ctx, conv))
	id, err := st.AppendMessage(ctx, conv.ID, domain.RoleAssistant, "")
	require.NoError(t, err)
	return RunRequest{
		ConversationID: conv.ID,
		MessageID:      id,
		Provider:       domain.ProviderConfig{Name: "openai", Family: domain.FamilyOpenAI, Model: "gpt-4o-mini"},
		Adapter:        llm.NewOpenAIAdapter(),
		Request:        &domain.ProviderRequest{URL: "https://api.openai.com/v1/chat/completions", Stream: true},
	}
}
