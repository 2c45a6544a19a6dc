package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"llm-playground/internal/domain"
)

// StreamPrinter writes the live reply of one conversation as stream events
// arrive on the bus.
type StreamPrinter struct {
	w io.Writer

	mu             sync.Mutex
	conversationID string
	onFirst        func()
	wrote          bool
	done           chan struct{}
}

// NewStreamPrinter creates a printer writing to w.
func NewStreamPrinter(w io.Writer) *StreamPrinter {
	return &StreamPrinter{w: w}
}

// Attach subscribes the printer to every event on bus and returns the
// unsubscribe function.
func (p *StreamPrinter) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(p.Handle)
}

// Follow directs output to the next run on conversationID. onFirst, when set,
// runs once before anything is written. The returned channel closes after
// the run's terminal event has been printed.
func (p *StreamPrinter) Follow(conversationID string, onFirst func()) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversationID = conversationID
	p.onFirst = onFirst
	p.wrote = false
	p.done = make(chan struct{})
	return p.done
}

// Handle implements domain.EventHandler.
func (p *StreamPrinter) Handle(_ context.Context, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil || ev.ConversationID != p.conversationID {
		return
	}

	switch ev.Type {
	case domain.EventStreamDelta:
		var d domain.StreamDeltaPayload
		if json.Unmarshal(ev.Payload, &d) != nil || d.Text == "" {
			return
		}
		p.begin()
		fmt.Fprint(p.w, d.Text)

	case domain.EventStreamCompleted:
		var c domain.StreamCompletedPayload
		_ = json.Unmarshal(ev.Payload, &c)
		p.begin()
		fmt.Fprintln(p.w)
		if c.Usage != nil && c.Usage.TotalTokens > 0 {
			fmt.Fprintln(p.w, styleMuted.Render(fmt.Sprintf("  %d tokens (%d prompt, %d completion)",
				c.Usage.TotalTokens, c.Usage.PromptTokens, c.Usage.CompletionTokens)))
		}
		p.finish()

	case domain.EventStreamCancelled:
		p.begin()
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, styleWarning.Render("  (cancelled)"))
		p.finish()

	case domain.EventStreamFailed:
		var e domain.StreamErrorPayload
		_ = json.Unmarshal(ev.Payload, &e)
		p.begin()
		fmt.Fprintln(p.w)
		msg := "  (failed"
		if e.Code != "" {
			msg += " " + string(e.Code)
		}
		if e.Error != "" {
			msg += ": " + e.Error
		}
		fmt.Fprintln(p.w, styleError.Render(msg+")"))
		p.finish()
	}
}

// begin writes the reply label before the first output of a run.
func (p *StreamPrinter) begin() {
	if p.wrote {
		return
	}
	if p.onFirst != nil {
		p.onFirst()
		p.onFirst = nil
	}
	fmt.Fprint(p.w, styleAssistantLabel.Render("assistant")+styleMuted.Render(" → "))
	p.wrote = true
}

func (p *StreamPrinter) finish() {
	close(p.done)
	p.done = nil
}
