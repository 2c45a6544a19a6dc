package domain

// StreamStartedPayload is the payload for EventStreamStarted events.
type StreamStartedPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
// Published for each text fragment in arrival order; Content is the full
// accumulated text so far.
type StreamDeltaPayload struct {
	Text    string `json:"text"`
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
type StreamCompletedPayload struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload is the payload for EventStreamFailed and
// EventStreamCancelled events. Content is the partial output retained.
type StreamErrorPayload struct {
	Content string    `json:"content"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}
