package domain

import "net/http"

// ProviderFamily is a class of LLM vendor API sharing one wire protocol.
type ProviderFamily string

const (
	FamilyOpenAI           ProviderFamily = "openai"
	FamilyOpenAICompatible ProviderFamily = "openai-compatible"
	FamilyAnthropic        ProviderFamily = "anthropic"
	FamilyGemini           ProviderFamily = "gemini"
)

// ProviderConfig identifies one configured provider endpoint. It is owned by
// the settings layer and read-only to the core.
type ProviderConfig struct {
	Name        string
	Family      ProviderFamily
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

// ProviderRequest describes one outbound streaming call.
type ProviderRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// StreamEvent is one raw record of a server-sent event stream.
type StreamEvent struct {
	Event string
	Data  string
	ID    string
}

// Delta is a single incremental fragment of a streamed response.
// Text is appended to the target message; Done signals provider-native
// completion; Err carries a provider-reported error payload.
type Delta struct {
	Text         string
	Done         bool
	FinishReason string
	Usage        *Usage
	Err          error
}

// ProviderAdapter translates between the internal chat representation and a
// provider family's streaming wire format.
type ProviderAdapter interface {
	// Family returns the provider family this adapter speaks.
	Family() ProviderFamily
	// BuildRequest serializes history into a provider-specific streaming request.
	BuildRequest(history []Message, cfg ProviderConfig) (*ProviderRequest, error)
	// DecodeEvent converts one raw stream event into a Delta. Unknown event
	// shapes return an error wrapping ErrUnrecognizedEvent.
	DecodeEvent(ev StreamEvent) (Delta, error)
}
