package domain

import "context"

// ConversationStore is the persistence gateway used by the response
// aggregator. Every call either fully succeeds or fails without a partial
// write; failures are reported as *PersistenceError.
type ConversationStore interface {
	// AppendMessage adds a pending message to a conversation and returns its ID.
	AppendMessage(ctx context.Context, conversationID string, role Role, initialContent string) (string, error)
	// UpdateMessageContent replaces the content of a non-terminal message.
	UpdateMessageContent(ctx context.Context, messageID, content string) error
	// SetMessageStatus moves a non-terminal message to status.
	SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) error
}

// ConversationRepository extends the gateway with the reads and
// conversation-level operations used by the session controller and the CLI.
type ConversationRepository interface {
	ConversationStore

	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	DeleteConversation(ctx context.Context, id string) error
}
