package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"llm-playground/internal/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter speaks the chat-completions streaming protocol. The same
// adapter serves api.openai.com and OpenAI-compatible servers (vLLM,
// llama.cpp, LM Studio, Groq); the family only toggles extensions the
// official API supports.
type OpenAIAdapter struct {
	family domain.ProviderFamily
}

// NewOpenAIAdapter returns the adapter for the official OpenAI API.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{family: domain.FamilyOpenAI}
}

// NewOpenAICompatibleAdapter returns the adapter for self-hosted
// OpenAI-compatible endpoints.
func NewOpenAICompatibleAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{family: domain.FamilyOpenAICompatible}
}

// Family implements domain.ProviderAdapter.
func (a *OpenAIAdapter) Family() domain.ProviderFamily { return a.family }

// BuildRequest implements domain.ProviderAdapter.
func (a *OpenAIAdapter) BuildRequest(history []domain.Message, cfg domain.ProviderConfig) (*domain.ProviderRequest, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	oaiReq := openaiRequest{
		Model:       cfg.Model,
		Messages:    toOpenAIMessages(domain.VisibleHistory(history)),
		Stream:      true,
		Temperature: cfg.Temperature,
	}
	if cfg.MaxTokens > 0 {
		oaiReq.MaxTokens = cfg.MaxTokens
	}
	if a.family == domain.FamilyOpenAI {
		oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	return &domain.ProviderRequest{
		Method: http.MethodPost,
		URL:    baseURL + "/chat/completions",
		Header: header,
		Body:   body,
		Stream: true,
	}, nil
}

// DecodeEvent implements domain.ProviderAdapter.
func (a *OpenAIAdapter) DecodeEvent(ev domain.StreamEvent) (domain.Delta, error) {
	data := strings.TrimSpace(ev.Data)
	if data == "[DONE]" {
		return domain.Delta{Done: true}, nil
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return domain.Delta{}, &domain.DecodeError{Event: ev.Event, Data: ev.Data, Err: err}
	}

	if chunk.Error != nil {
		return domain.Delta{Err: &domain.ProviderError{
			Provider: string(a.family),
			Type:     chunk.Error.Type,
			Message:  chunk.Error.Message,
			Body:     ev.Data,
		}}, nil
	}

	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return domain.Delta{}, fmt.Errorf("%w: openai chunk without choices", domain.ErrUnrecognizedEvent)
	}

	var delta domain.Delta
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		delta.Text = choice.Delta.Content
		if choice.FinishReason != nil {
			delta.FinishReason = *choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return delta, nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
	Message string `json:"message"`
}

func toOpenAIMessages(msgs []domain.Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openaiMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
