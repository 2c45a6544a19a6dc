package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"llm-playground/internal/domain"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiAdapter speaks the Gemini streamGenerateContent protocol with
// alt=sse framing. Authentication goes in the key query parameter.
type GeminiAdapter struct{}

// NewGeminiAdapter returns the Gemini adapter.
func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

// Family implements domain.ProviderAdapter.
func (a *GeminiAdapter) Family() domain.ProviderFamily { return domain.FamilyGemini }

// BuildRequest implements domain.ProviderAdapter.
func (a *GeminiAdapter) BuildRequest(history []domain.Message, cfg domain.ProviderConfig) (*domain.ProviderRequest, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	gemReq := toGeminiRequest(domain.VisibleHistory(history))
	if cfg.Temperature != nil || cfg.MaxTokens > 0 {
		gemReq.GenerationConfig = &geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
		}
	}

	body, err := json.Marshal(gemReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	q := url.Values{}
	q.Set("alt", "sse")
	if cfg.APIKey != "" {
		q.Set("key", cfg.APIKey)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?%s",
		baseURL, url.PathEscape(cfg.Model), q.Encode())

	return &domain.ProviderRequest{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{},
		Body:   body,
		Stream: true,
	}, nil
}

// DecodeEvent implements domain.ProviderAdapter. Gemini has no end sentinel;
// the chunk carrying a finishReason is the last one.
func (a *GeminiAdapter) DecodeEvent(ev domain.StreamEvent) (domain.Delta, error) {
	var chunk geminiStreamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return domain.Delta{}, &domain.DecodeError{Event: ev.Event, Data: ev.Data, Err: err}
	}

	if chunk.Error != nil {
		return domain.Delta{Err: &domain.ProviderError{
			Provider: string(domain.FamilyGemini),
			Type:     chunk.Error.Status,
			Message:  chunk.Error.Message,
			Body:     ev.Data,
		}}, nil
	}
	if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		return domain.Delta{Err: &domain.ProviderError{
			Provider: string(domain.FamilyGemini),
			Type:     "prompt_blocked",
			Message:  "prompt blocked: " + chunk.PromptFeedback.BlockReason,
			Body:     ev.Data,
		}}, nil
	}
	if len(chunk.Candidates) == 0 && chunk.UsageMetadata == nil {
		return domain.Delta{}, fmt.Errorf("%w: gemini chunk without candidates", domain.ErrUnrecognizedEvent)
	}

	var delta domain.Delta
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			if part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
		delta.Text = sb.String()
		if cand.FinishReason != "" {
			delta.FinishReason = cand.FinishReason
			delta.Done = true
		}
	}
	if chunk.UsageMetadata != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}
	return delta, nil
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiStreamChunk struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// toGeminiRequest maps roles to user/model, collects system messages into
// systemInstruction and merges consecutive same-role turns.
func toGeminiRequest(msgs []domain.Message) geminiRequest {
	req := geminiRequest{Contents: []geminiContent{}}
	var system []geminiPart

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}

		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}

		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, geminiPart{Text: m.Content})
			continue
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: system}
	}
	return req
}
