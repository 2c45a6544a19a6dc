package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"llm-playground/internal/domain"
	"llm-playground/internal/infra/tracer"
)

// defaultMaxConcurrentStreams applies when SessionDeps leaves the pool size unset.
const defaultMaxConcurrentStreams = 4

// AdapterLookup returns the adapter for a provider family.
type AdapterLookup interface {
	Get(family domain.ProviderFamily) (domain.ProviderAdapter, error)
}

// ProviderResolver returns the effective settings of a configured provider.
// An empty name selects the default provider.
type ProviderResolver func(name string) (domain.ProviderConfig, error)

// SessionDeps holds injected dependencies for the session controller.
type SessionDeps struct {
	Store                domain.ConversationRepository
	Adapters             AdapterLookup
	Providers            ProviderResolver
	Aggregator           *Aggregator
	Bus                  domain.EventBus // optional, nil = no events
	Logger               *slog.Logger
	SystemPrompt         string // seeded into new conversations when set
	MaxConcurrentStreams int
}

// SessionController starts and cancels streamed replies. At most one run is
// active per conversation; runs beyond MaxConcurrentStreams wait for a slot.
type SessionController struct {
	deps SessionDeps
	pool *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*StreamHandle
	closed bool
	wg     sync.WaitGroup
}

// NewSessionController creates a controller with the given dependencies.
func NewSessionController(deps SessionDeps) *SessionController {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxConcurrentStreams <= 0 {
		deps.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	return &SessionController{
		deps:   deps,
		pool:   semaphore.NewWeighted(int64(deps.MaxConcurrentStreams)),
		active: make(map[string]*StreamHandle),
	}
}

// StreamHandle tracks one in-flight reply.
type StreamHandle struct {
	ConversationID string
	MessageID      string

	cancel context.CancelCauseFunc
	done   chan struct{}
	result RunResult
}

// Cancel requests cancellation of the run. It is idempotent and has no
// effect once the run has reached a terminal status.
func (h *StreamHandle) Cancel() {
	h.cancel(domain.ErrCancelled)
}

// Done is closed when the run has written its terminal status.
func (h *StreamHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done.
func (h *StreamHandle) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// NewConversation creates a conversation bound to a configured provider.
// model and baseURL override the provider entry when non-empty.
func (c *SessionController) NewConversation(ctx context.Context, provider, model, baseURL string) (*domain.Conversation, error) {
	cfg, err := c.deps.Providers(provider)
	if err != nil {
		return nil, err
	}
	conv := &domain.Conversation{
		Provider: cfg.Name,
		Model:    model,
		BaseURL:  baseURL,
	}
	if err := c.deps.Store.CreateConversation(ctx, conv); err != nil {
		return nil, domain.WrapOp("new conversation", err)
	}
	if prompt := strings.TrimSpace(c.deps.SystemPrompt); prompt != "" {
		if err := c.appendComplete(ctx, conv.ID, domain.RoleSystem, prompt); err != nil {
			return nil, domain.WrapOp("new conversation", err)
		}
	}

	c.deps.Logger.Info("conversation created", "conversation", conv.ID, "provider", conv.Provider)
	publishEvent(ctx, c.deps.Bus, domain.EventConversationCreated, conv.ID, "", conv)
	return conv, nil
}

// Send appends userText to the conversation and starts streaming the reply.
// A conversation with an active run is rejected with ErrConversationBusy
// before anything is written.
func (c *SessionController) Send(ctx context.Context, conversationID, userText string) (*StreamHandle, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.send", tracer.ConversationAttrs(conversationID, ""))
	defer span.End()

	handle, err := c.send(ctx, conversationID, userText)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("chat.message_id", handle.MessageID))
	tracer.SetOK(span)
	return handle, nil
}

func (c *SessionController) send(ctx context.Context, conversationID, userText string) (*StreamHandle, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, domain.NewDomainError("SessionController.Send", domain.ErrInvalidInput, "empty message")
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	handle := &StreamHandle{
		ConversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	if err := c.reserve(handle); err != nil {
		cancel(nil)
		return nil, err
	}

	req, err := c.prepare(ctx, conversationID, userText)
	if err != nil {
		c.release(handle)
		c.wg.Done()
		cancel(nil)
		return nil, err
	}
	handle.MessageID = req.MessageID

	go c.stream(runCtx, handle, req)
	return handle, nil
}

// reserve claims the conversation for handle and registers the run with the
// drain group.
func (c *SessionController) reserve(handle *StreamHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.NewDomainError("SessionController.Send", domain.ErrCancelled, "controller closed")
	}
	if _, busy := c.active[handle.ConversationID]; busy {
		return domain.NewDomainError("SessionController.Send", domain.ErrConversationBusy, handle.ConversationID)
	}
	c.active[handle.ConversationID] = handle
	c.wg.Add(1)
	return nil
}

func (c *SessionController) release(handle *StreamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[handle.ConversationID] == handle {
		delete(c.active, handle.ConversationID)
	}
}

// prepare resolves the provider and builds the request before any write, so
// configuration errors leave the conversation untouched.
func (c *SessionController) prepare(ctx context.Context, conversationID, userText string) (RunRequest, error) {
	conv, err := c.deps.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}
	cfg, err := c.deps.Providers(conv.Provider)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}
	if conv.Model != "" {
		cfg.Model = conv.Model
	}
	if conv.BaseURL != "" {
		cfg.BaseURL = conv.BaseURL
	}
	adapter, err := c.deps.Adapters.Get(cfg.Family)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}

	msgs, err := c.deps.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}
	history := append(domain.VisibleHistory(msgs), domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        userText,
		Status:         domain.StatusComplete,
	})
	providerReq, err := adapter.BuildRequest(history, cfg)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}

	msgID, err := c.appendTurn(ctx, conversationID, userText)
	if err != nil {
		return RunRequest{}, domain.WrapOp("send", err)
	}

	return RunRequest{
		ConversationID: conversationID,
		MessageID:      msgID,
		Provider:       cfg,
		Adapter:        adapter,
		Request:        providerReq,
	}, nil
}

// appendTurn stores the user turn and the pending assistant message that will
// hold its reply. The user turn only becomes complete once the reply
// placeholder exists; otherwise it is marked failed so a retried send does not
// repeat it in history.
func (c *SessionController) appendTurn(ctx context.Context, conversationID, userText string) (string, error) {
	userID, err := c.deps.Store.AppendMessage(ctx, conversationID, domain.RoleUser, userText)
	if err != nil {
		return "", domain.NewPersistenceError("append user message", err)
	}
	msgID, err := c.deps.Store.AppendMessage(ctx, conversationID, domain.RoleAssistant, "")
	if err != nil {
		c.abandon(ctx, userID)
		return "", domain.NewPersistenceError("append assistant message", err)
	}
	if err := c.deps.Store.SetMessageStatus(ctx, userID, domain.StatusComplete); err != nil {
		c.abandon(ctx, userID, msgID)
		return "", domain.NewPersistenceError("complete user message", err)
	}
	return msgID, nil
}

// abandon marks messages of a send that could not start as failed. A write
// that fails here leaves the message pending, which history skips as well.
func (c *SessionController) abandon(ctx context.Context, messageIDs ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range messageIDs {
		if err := c.deps.Store.SetMessageStatus(ctx, id, domain.StatusFailed); err != nil {
			c.deps.Logger.Warn("mark unsent message failed", "message", id, "error", err)
		}
	}
}

func (c *SessionController) appendComplete(ctx context.Context, conversationID string, role domain.Role, content string) error {
	id, err := c.deps.Store.AppendMessage(ctx, conversationID, role, content)
	if err != nil {
		return domain.NewPersistenceError(fmt.Sprintf("append %s message", role), err)
	}
	if err := c.deps.Store.SetMessageStatus(ctx, id, domain.StatusComplete); err != nil {
		return domain.NewPersistenceError(fmt.Sprintf("complete %s message", role), err)
	}
	return nil
}

// stream waits for a pool slot and runs the aggregator. A run cancelled
// while queued still goes through the aggregator so its message is marked
// cancelled.
func (c *SessionController) stream(ctx context.Context, handle *StreamHandle, req RunRequest) {
	defer c.wg.Done()
	defer handle.cancel(nil)

	if err := c.pool.Acquire(ctx, 1); err == nil {
		defer c.pool.Release(1)
	}

	handle.result = c.deps.Aggregator.Run(ctx, req)
	c.release(handle)
	close(handle.done)
}

// Cancel cancels the active run of a conversation. It reports whether a run
// was active.
func (c *SessionController) Cancel(conversationID string) bool {
	c.mu.Lock()
	handle, ok := c.active[conversationID]
	c.mu.Unlock()
	if ok {
		handle.Cancel()
	}
	return ok
}

// Active reports whether a run is in flight for the conversation.
func (c *SessionController) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Close cancels every active run and waits for them to record their
// terminal status. Later sends are rejected.
func (c *SessionController) Close() {
	c.mu.Lock()
	c.closed = true
	handles := make([]*StreamHandle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	c.wg.Wait()
}
