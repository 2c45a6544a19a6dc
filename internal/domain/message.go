package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a message.
type Role string

// Role constants for message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// MessageStatus is the lifecycle state of a stored message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

// IsTerminal reports whether no further mutation of the message is allowed.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Message represents a single message in a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Conversation is the metadata of one chat thread. Provider names a configured
// provider entry; Model and BaseURL override that entry when non-empty.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	BaseURL   string    `json:"base_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// VisibleHistory filters msgs down to what is sent to a provider: known roles,
// non-empty content, and no message that is still being written. A failed
// user turn never got a reply and is dropped; failed or cancelled assistant
// output is kept.
func VisibleHistory(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() || m.Content == "" {
			continue
		}
		if m.Status == StatusPending || m.Status == StatusStreaming {
			continue
		}
		if m.Role == RoleUser && m.Status == StatusFailed {
			continue
		}
		out = append(out, m)
	}
	return out
}

const maxTitleRunes = 60

// TitleFromPrompt derives a conversation title from the first line of a prompt.
func TitleFromPrompt(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
