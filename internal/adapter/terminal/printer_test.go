package terminal

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-playground/internal/domain"
)

func delta(conv, text string) domain.Event {
	return domain.NewEvent(domain.EventStreamDelta, conv, "m1", domain.StreamDeltaPayload{Text: text})
}

func TestStreamPrinterWritesFollowedConversation(t *testing.T) {
	var buf bytes.Buffer
	p := NewStreamPrinter(&buf)
	ctx := context.Background()

	firstCalls := 0
	done := p.Follow("c1", func() { firstCalls++ })

	p.Handle(ctx, delta("c2", "ignored"))
	assert.Zero(t, firstCalls)

	p.Handle(ctx, delta("c1", "Hel"))
	p.Handle(ctx, delta("c1", "lo"))
	p.Handle(ctx, domain.NewEvent(domain.EventStreamCompleted, "c1", "m1", domain.StreamCompletedPayload{
		Content: "Hello",
		Usage:   &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}))

	select {
	case <-done:
	default:
		t.Fatal("done not closed after completion")
	}
	assert.Equal(t, 1, firstCalls)
	out := buf.String()
	assert.Contains(t, out, "assistant")
	assert.Contains(t, out, "Hello\n")
	assert.Contains(t, out, "5 tokens (3 prompt, 2 completion)")
}

func TestStreamPrinterFailureAndCancel(t *testing.T) {
	var buf bytes.Buffer
	p := NewStreamPrinter(&buf)
	ctx := context.Background()

	done := p.Follow("c1", nil)
	p.Handle(ctx, domain.NewEvent(domain.EventStreamFailed, "c1", "m1", domain.StreamErrorPayload{
		Error: "rate limit exceeded",
		Code:  domain.CodeRateLimit,
	}))
	<-done
	assert.Contains(t, buf.String(), "(failed RATE_LIMIT: rate limit exceeded)")

	buf.Reset()
	done = p.Follow("c1", nil)
	p.Handle(ctx, delta("c1", "partial"))
	p.Handle(ctx, domain.NewEvent(domain.EventStreamCancelled, "c1", "m2", domain.StreamErrorPayload{Content: "partial"}))
	<-done
	assert.Contains(t, buf.String(), "partial\n")
	assert.Contains(t, buf.String(), "(cancelled)")
}

func TestStreamPrinterIgnoresEventsWhenIdle(t *testing.T) {
	var buf bytes.Buffer
	p := NewStreamPrinter(&buf)
	ctx := context.Background()

	p.Handle(ctx, delta("c1", "early"))
	assert.Empty(t, buf.String())

	done := p.Follow("c1", nil)
	p.Handle(ctx, domain.NewEvent(domain.EventStreamCompleted, "c1", "m1", domain.StreamCompletedPayload{}))
	<-done

	// A second terminal event for the same run must not panic on a closed channel.
	require.NotPanics(t, func() {
		p.Handle(ctx, domain.NewEvent(domain.EventStreamFailed, "c1", "m1", domain.StreamErrorPayload{}))
	})
}
