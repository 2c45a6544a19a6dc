package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"llm-playground/internal/domain"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicAdapter speaks the Messages API streaming protocol.
type AnthropicAdapter struct {
	version string
}

// NewAnthropicAdapter returns the Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{version: defaultAnthropicVersion}
}

// Family implements domain.ProviderAdapter.
func (a *AnthropicAdapter) Family() domain.ProviderFamily { return domain.FamilyAnthropic }

// BuildRequest implements domain.ProviderAdapter.
func (a *AnthropicAdapter) BuildRequest(history []domain.Message, cfg domain.ProviderConfig) (*domain.ProviderRequest, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	antReq := toAnthropicRequest(domain.VisibleHistory(history))
	antReq.Model = cfg.Model
	antReq.Stream = true
	antReq.Temperature = cfg.Temperature
	antReq.MaxTokens = cfg.MaxTokens
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}

	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", a.version)

	return &domain.ProviderRequest{
		Method: http.MethodPost,
		URL:    baseURL + "/v1/messages",
		Header: header,
		Body:   body,
		Stream: true,
	}, nil
}

// DecodeEvent implements domain.ProviderAdapter. The SSE event name selects
// the payload shape; the JSON "type" field is used when a proxy strips it.
func (a *AnthropicAdapter) DecodeEvent(ev domain.StreamEvent) (domain.Delta, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &evt); err != nil {
		return domain.Delta{}, &domain.DecodeError{Event: ev.Event, Data: ev.Data, Err: err}
	}

	kind := ev.Event
	if kind == "" {
		kind = evt.Type
	}

	switch kind {
	case "message_start":
		var d domain.Delta
		if evt.Message != nil && evt.Message.Usage != nil {
			d.Usage = evt.Message.Usage.toDomain()
		}
		return d, nil

	case "content_block_start", "content_block_stop", "ping":
		return domain.Delta{}, nil

	case "content_block_delta":
		var bd anthropicBlockDelta
		if err := json.Unmarshal(evt.Delta, &bd); err != nil {
			return domain.Delta{}, &domain.DecodeError{Event: kind, Data: ev.Data, Err: err}
		}
		if bd.Type == "text_delta" {
			return domain.Delta{Text: bd.Text}, nil
		}
		// thinking_delta, signature_delta and input_json_delta carry no
		// user-visible text.
		return domain.Delta{}, nil

	case "message_delta":
		var md anthropicMessageDelta
		if len(evt.Delta) > 0 {
			if err := json.Unmarshal(evt.Delta, &md); err != nil {
				return domain.Delta{}, &domain.DecodeError{Event: kind, Data: ev.Data, Err: err}
			}
		}
		d := domain.Delta{FinishReason: md.StopReason}
		if evt.Usage != nil {
			d.Usage = evt.Usage.toDomain()
		}
		return d, nil

	case "message_stop":
		return domain.Delta{Done: true}, nil

	case "error":
		perr := &domain.ProviderError{Provider: string(domain.FamilyAnthropic), Body: ev.Data}
		if evt.Error != nil {
			perr.Type = evt.Error.Type
			perr.Message = evt.Error.Message
		}
		if perr.Type == "overloaded_error" || perr.Type == "api_error" {
			perr.Err = domain.ErrServerError
		}
		return domain.Delta{Err: perr}, nil
	}

	return domain.Delta{}, fmt.Errorf("%w: anthropic event %q", domain.ErrUnrecognizedEvent, kind)
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *anthropicUsage) toDomain() *domain.Usage {
	return &domain.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicStreamEvent struct {
	Type    string          `json:"type"`
	Delta   json.RawMessage `json:"delta,omitempty"`
	Usage   *anthropicUsage `json:"usage,omitempty"`
	Message *struct {
		ID    string          `json:"id"`
		Model string          `json:"model"`
		Usage *anthropicUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicBlockDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessageDelta struct {
	StopReason string `json:"stop_reason"`
}

// toAnthropicRequest lifts system messages into the top-level system field
// and merges consecutive same-role turns, since the API requires strict
// user/assistant alternation.
func toAnthropicRequest(msgs []domain.Message) anthropicRequest {
	var req anthropicRequest
	var system []string

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := string(m.Role)
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == role {
			req.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: role, Content: m.Content})
	}

	req.System = strings.Join(system, "\n\n")
	if req.Messages == nil {
		req.Messages = []anthropicMessage{}
	}
	return req
}
