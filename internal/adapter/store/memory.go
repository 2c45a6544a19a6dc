package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"llm-playground/internal/domain"
)

// MemoryStore is an in-process domain.ConversationRepository. It follows the
// same rules as SQLiteStore and loses everything on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*domain.Conversation
	order    map[string][]string // conversation ID -> message IDs in append order
	messages map[string]*domain.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*domain.Conversation),
		order:    make(map[string][]string),
		messages: make(map[string]*domain.Message),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := s.convs[conv.ID]; exists {
		return domain.NewPersistenceError("create conversation", domain.NewDomainError("MemoryStore.CreateConversation", domain.ErrInvalidInput, "duplicate id "+conv.ID))
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	cp := *conv
	s.convs[conv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.GetConversation", domain.ErrConversationNotFound, id)
	}
	cp := *conv
	return &cp, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *MemoryStore) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return domain.NewDomainError("MemoryStore.DeleteConversation", domain.ErrConversationNotFound, id)
	}
	for _, msgID := range s.order[id] {
		delete(s.messages, msgID)
	}
	delete(s.order, id)
	delete(s.convs, id)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[conversationID]
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, role domain.Role, initialContent string) (string, error) {
	if !role.Valid() {
		return "", domain.NewDomainError("MemoryStore.AppendMessage", domain.ErrInvalidInput, "unknown role "+string(role))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return "", domain.NewPersistenceError("append message",
			domain.NewDomainError("MemoryStore.AppendMessage", domain.ErrConversationNotFound, conversationID))
	}

	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        initialContent,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[msg.ID] = msg
	s.order[conversationID] = append(s.order[conversationID], msg.ID)

	if conv.Title == "" && role == domain.RoleUser {
		conv.Title = domain.TitleFromPrompt(initialContent)
	}
	conv.UpdatedAt = now
	return msg.ID, nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.writable(messageID)
	if err != nil {
		return domain.NewPersistenceError("update content", err)
	}
	msg.Content = content
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetMessageStatus(_ context.Context, messageID string, status domain.MessageStatus) error {
	if !status.Valid() {
		return domain.NewDomainError("MemoryStore.SetMessageStatus", domain.ErrInvalidInput, "unknown status "+string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.writable(messageID)
	if err != nil {
		return domain.NewPersistenceError("set status", err)
	}
	now := time.Now().UTC()
	msg.Status = status
	msg.UpdatedAt = now
	if conv, ok := s.convs[msg.ConversationID]; ok {
		conv.UpdatedAt = now
	}
	return nil
}

// writable returns a message that is not yet terminal. Callers hold mu.
func (s *MemoryStore) writable(messageID string) (*domain.Message, error) {
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore", domain.ErrMessageNotFound, messageID)
	}
	if msg.Status.IsTerminal() {
		return nil, domain.NewDomainError("MemoryStore", domain.ErrMessageTerminal, messageID+" is "+string(msg.Status))
	}
	return msg, nil
}

var _ domain.ConversationRepository = (*MemoryStore)(nil)
