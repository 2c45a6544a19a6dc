package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-playground/internal/adapter/llm"
	"llm-playground/internal/domain"
)

func TestAggregatorCompletesOpenAITranscript(t *testing.T) {
	st := newFakeStore()
	bus := &recordingBus{}
	req := pendingRun(t, st)
	transcript := openaiChunk("Go is") + openaiChunk(" a language") + openaiChunk(".") + openaiStop + openaiDone

	res := newTestAggregator(transcriptSender(transcript), st, bus).Run(context.Background(), req)

	require.NoError(t, res.Err)
	assert.Equal(t, domain.StatusComplete, res.Status)
	assert.Equal(t, "Go is a language.", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, req.MessageID, res.MessageID)

	msg := st.message(t, req.ConversationID, req.MessageID)
	assert.Equal(t, domain.StatusComplete, msg.Status)
	assert.Equal(t, "Go is a language.", msg.Content)

	assert.Equal(t, []domain.EventType{
		domain.EventStreamStarted,
		domain.EventStreamDelta,
		domain.EventStreamDelta,
		domain.EventStreamDelta,
		domain.EventStreamCompleted,
	}, bus.Types())
	assert.Equal(t, []string{
		"status:streaming",
		"update:Go is",
		"update:Go is a language",
		"update:Go is a language.",
		"status:complete",
	}, st.Calls())
}

func TestAggregatorConcatenatesInArrivalOrder(t *testing.T) {
	st := newFakeStore()
	bus := &recordingBus{}
	req := pendingRun(t, st)

	var transcript, want strings.Builder
	for _, w := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		transcript.WriteString(openaiChunk(w))
		want.WriteString(w)
	}
	transcript.WriteString(openaiStop + openaiDone)

	// One byte per read exercises reassembly across reads.
	sender := senderFunc(func(context.Context, *domain.ProviderRequest) (*http.Response, error) {
		return sseResponse(iotest.OneByteReader(strings.NewReader(transcript.String()))), nil
	})
	res := newTestAggregator(sender, st, bus).Run(context.Background(), req)

	require.Equal(t, domain.StatusComplete, res.Status)
	assert.Equal(t, want.String(), res.Content)

	seq := 0
	var content string
	for _, e := range bus.events {
		if e.Type != domain.EventStreamDelta {
			continue
		}
		var p domain.StreamDeltaPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		seq++
		content += p.Text
		assert.Equal(t, seq, p.Seq)
		assert.Equal(t, content, p.Content)
	}
	assert.Equal(t, 7, seq)
}

func TestAggregatorMalformedMiddleEventFails(t *testing.T) {
	st := newFakeStore()
	bus := &recordingBus{}
	req := pendingRun(t, st)
	transcript := openaiChunk("Hel") + openaiChunk("lo") +
		"data: {\"choices\":[{\"delta\":{\"content\":\n\n" +
		openaiChunk(" never") + openaiDone

	res := newTestAggregator(transcriptSender(transcript), st, bus).Run(context.Background(), req)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrDecode)
	assert.Equal(t, "Hello", res.Content)

	msg := st.message(t, req.ConversationID, req.MessageID)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, 1, bus.count(domain.EventStreamFailed))
	assert.Zero(t, bus.count(domain.EventStreamCompleted))

	var p domain.StreamErrorPayload
	require.NoError(t, json.Unmarshal(bus.events[len(bus.events)-1].Payload, &p))
	assert.Equal(t, "Hello", p.Content)
	assert.Equal(t, domain.CodeDecode, p.Code)
}

func TestAggregatorCancelMidStream(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	sender := newPipeSender()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	gotDelta := make(chan struct{}, 1)
	bus := &recordingBus{onEvt: func(e domain.Event) {
		if e.Type == domain.EventStreamDelta {
			gotDelta <- struct{}{}
		}
	}}

	done := make(chan RunResult, 1)
	go func() { done <- newTestAggregator(sender, st, bus).Run(ctx, req) }()

	w := sender.next(t)
	_, err := io.WriteString(w, openaiChunk("Hel"))
	require.NoError(t, err)
	<-gotDelta

	cancel(domain.ErrCancelled)
	res := <-done
	w.Close()

	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	assert.Equal(t, "Hel", res.Content)

	msg := st.message(t, req.ConversationID, req.MessageID)
	assert.Equal(t, domain.StatusCancelled, msg.Status)
	assert.Equal(t, "Hel", msg.Content, "cancel keeps the persisted content")
	assert.Equal(t, 1, st.terminalWrites(req.MessageID))
	assert.Equal(t, 1, bus.count(domain.EventStreamCancelled))
	assert.Zero(t, bus.count(domain.EventStreamFailed))
}

func TestAggregatorParentCancelWithoutCauseCountsAsCancel(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	sender := newPipeSender()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunResult, 1)
	go func() { done <- newTestAggregator(sender, st, nil).Run(ctx, req) }()

	w := sender.next(t)
	cancel()
	res := <-done
	w.Close()

	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
}

func TestAggregatorAlreadyCancelledSkipsRequest(t *testing.T) {
	st := newFakeStore()
	bus := &recordingBus{}
	req := pendingRun(t, st)

	var calls atomic.Int32
	sender := senderFunc(func(context.Context, *domain.ProviderRequest) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unreachable")
	})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrCancelled)

	res := newTestAggregator(sender, st, bus).Run(ctx, req)

	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.Zero(t, calls.Load())
	assert.Equal(t, []domain.EventType{domain.EventStreamCancelled}, bus.Types())
	assert.Equal(t, domain.StatusCancelled, st.message(t, req.ConversationID, req.MessageID).Status)
}

func TestAggregatorEOFHandling(t *testing.T) {
	t.Run("finish reason without done", func(t *testing.T) {
		st := newFakeStore()
		req := pendingRun(t, st)
		res := newTestAggregator(transcriptSender(openaiChunk("ok")+openaiStop), st, nil).Run(context.Background(), req)

		require.NoError(t, res.Err)
		assert.Equal(t, domain.StatusComplete, res.Status)
		assert.Equal(t, "ok", res.Content)
	})

	t.Run("truncated", func(t *testing.T) {
		st := newFakeStore()
		req := pendingRun(t, st)
		res := newTestAggregator(transcriptSender(openaiChunk("partial")), st, nil).Run(context.Background(), req)

		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, domain.ErrStreamTruncated)
		assert.Equal(t, "partial", st.message(t, req.ConversationID, req.MessageID).Content)
	})

	t.Run("empty body", func(t *testing.T) {
		st := newFakeStore()
		req := pendingRun(t, st)
		res := newTestAggregator(transcriptSender(""), st, nil).Run(context.Background(), req)

		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, domain.ErrStreamTruncated)
		assert.Equal(t, []string{"status:failed"}, st.Calls(), "never entered streaming")
	})
}

func TestAggregatorProviderErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		st := newFakeStore()
		bus := &recordingBus{}
		req := pendingRun(t, st)
		sender := senderFunc(func(context.Context, *domain.ProviderRequest) (*http.Response, error) {
			return nil, &domain.ProviderError{Provider: "api.openai.com", StatusCode: 429, Message: "slow down", Err: domain.ErrRateLimit}
		})

		res := newTestAggregator(sender, st, bus).Run(context.Background(), req)

		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, domain.ErrRateLimit)
		assert.Equal(t, domain.CodeRateLimit, domain.ErrorCodeOf(res.Err))
		assert.Equal(t, []domain.EventType{domain.EventStreamStarted, domain.EventStreamFailed}, bus.Types())
		assert.Equal(t, []string{"status:failed"}, st.Calls())
	})

	t.Run("error event mid-stream", func(t *testing.T) {
		st := newFakeStore()
		req := pendingRun(t, st)
		transcript := openaiChunk("Hi") + `data: {"error":{"type":"server_error","message":"overloaded"}}` + "\n\n"

		res := newTestAggregator(transcriptSender(transcript), st, nil).Run(context.Background(), req)

		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, domain.ErrProviderError)
		assert.Equal(t, "Hi", res.Content)
	})
}

func TestAggregatorSkipsUnrecognizedEvents(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	transcript := ": keepalive\n\n" + `data: {"object":"ping"}` + "\n\n" + openaiChunk("fine") + openaiDone

	res := newTestAggregator(transcriptSender(transcript), st, nil).Run(context.Background(), req)

	require.NoError(t, res.Err)
	assert.Equal(t, "fine", res.Content)
}

func TestAggregatorRequestTimeout(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	sender := senderFunc(func(ctx context.Context, _ *domain.ProviderRequest) (*http.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	agg := NewAggregator(AggregatorDeps{
		Sender:         sender,
		Store:          st,
		NewDecoder:     newDecoder,
		RequestTimeout: 20 * time.Millisecond,
	})
	res := agg.Run(context.Background(), req)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrRequestTimeout)
}

func TestAggregatorRequestTimeoutDoesNotBoundStreaming(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	sender := newPipeSender()

	agg := NewAggregator(AggregatorDeps{
		Sender:         sender,
		Store:          st,
		NewDecoder:     newDecoder,
		RequestTimeout: 20 * time.Millisecond,
	})
	done := make(chan RunResult, 1)
	go func() { done <- agg.Run(context.Background(), req) }()

	w := sender.next(t)
	io.WriteString(w, openaiChunk("slow"))
	time.Sleep(60 * time.Millisecond)
	io.WriteString(w, openaiChunk(" but steady")+openaiDone)
	w.Close()

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, "slow but steady", res.Content)
}

func TestAggregatorIdleTimeout(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	sender := newPipeSender()

	agg := NewAggregator(AggregatorDeps{
		Sender:      sender,
		Store:       st,
		NewDecoder:  newDecoder,
		IdleTimeout: 30 * time.Millisecond,
	})
	done := make(chan RunResult, 1)
	go func() { done <- agg.Run(context.Background(), req) }()

	w := sender.next(t)
	io.WriteString(w, openaiChunk("stalled"))
	defer w.Close()

	select {
	case res := <-done:
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, domain.ErrIdleTimeout)
		assert.Equal(t, "stalled", res.Content)
		assert.Equal(t, "stalled", st.message(t, req.ConversationID, req.MessageID).Content)
	case <-time.After(2 * time.Second):
		t.Fatal("idle watchdog never fired")
	}
}

func TestAggregatorPersistenceFailure(t *testing.T) {
	st := newFakeStore()
	st.failUpdate = errors.New("disk full")
	req := pendingRun(t, st)

	res := newTestAggregator(transcriptSender(openaiChunk("x")+openaiDone), st, nil).Run(context.Background(), req)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrPersistence)
	assert.Equal(t, domain.StatusFailed, st.message(t, req.ConversationID, req.MessageID).Status)
	assert.Equal(t, 1, st.terminalWrites(req.MessageID))
	assert.Equal(t, []string{"status:streaming", "update:x", "status:failed"}, st.Calls(),
		"failed content write is not repeated")
}

func TestAggregatorPersistenceFailureOnFinalFlush(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	// The first delta flushes immediately; "b" is only written at completion.
	bus := &recordingBus{onEvt: func(e domain.Event) {
		if e.Type == domain.EventStreamDelta {
			st.mu.Lock()
			st.failUpdate = errors.New("disk full")
			st.mu.Unlock()
		}
	}}
	agg := NewAggregator(AggregatorDeps{
		Sender:        transcriptSender(openaiChunk("a") + openaiChunk("b") + openaiDone),
		Store:         st,
		NewDecoder:    newDecoder,
		Bus:           bus,
		FlushInterval: time.Hour,
	})

	res := agg.Run(context.Background(), req)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrPersistence)
	assert.Equal(t, []string{"status:streaming", "update:a", "update:ab", "status:failed"}, st.Calls())
}

func TestAggregatorLateResponseAfterRequestTimeout(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	body := &closeRecorder{Reader: strings.NewReader(openaiChunk("late") + openaiDone)}
	// Headers arrive only after the deadline, and the sender ignores the
	// cancelled context.
	sender := senderFunc(func(ctx context.Context, _ *domain.ProviderRequest) (*http.Response, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
	})

	agg := NewAggregator(AggregatorDeps{
		Sender:         sender,
		Store:          st,
		NewDecoder:     newDecoder,
		RequestTimeout: 10 * time.Millisecond,
	})
	res := agg.Run(context.Background(), req)

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrRequestTimeout)
	assert.Empty(t, res.Content)
	assert.True(t, body.closed.Load(), "late body is closed")
	assert.Equal(t, []string{"status:failed"}, st.Calls())
}

func TestAggregatorFlushInterval(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	transcript := openaiChunk("a") + openaiChunk("b") + openaiChunk("c") + openaiDone

	agg := NewAggregator(AggregatorDeps{
		Sender:        transcriptSender(transcript),
		Store:         st,
		NewDecoder:    newDecoder,
		FlushInterval: time.Hour,
	})
	res := agg.Run(context.Background(), req)

	require.NoError(t, res.Err)
	// The first delta flushes immediately; the rest wait for the final flush.
	assert.Equal(t, []string{
		"status:streaming",
		"update:a",
		"update:abc",
		"status:complete",
	}, st.Calls())
}

func TestAggregatorMergesAnthropicUsage(t *testing.T) {
	st := newFakeStore()
	req := pendingRun(t, st)
	req.Adapter = llm.NewAnthropicAdapter()
	transcript := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":15}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	res := newTestAggregator(transcriptSender(transcript), st, nil).Run(context.Background(), req)

	require.NoError(t, res.Err)
	assert.Equal(t, "Hi", res.Content)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.Equal(t, &domain.Usage{PromptTokens: 12, CompletionTokens: 15, TotalTokens: 27}, res.Usage)
}

func TestRunStateTransitions(t *testing.T) {
	legal := [][2]runState{
		{stateIdle, stateRequesting},
		{stateIdle, stateAborting},
		{stateRequesting, stateStreaming},
		{stateRequesting, stateAborting},
		{stateStreaming, stateFinalizing},
		{stateStreaming, stateAborting},
		{stateFinalizing, stateTerminal},
		{stateFinalizing, stateAborting},
		{stateAborting, stateTerminal},
	}
	for _, tr := range legal {
		assert.True(t, canTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]runState{
		{stateIdle, stateStreaming},
		{stateRequesting, stateFinalizing},
		{stateRequesting, stateTerminal},
		{stateStreaming, stateTerminal},
		{stateTerminal, stateAborting},
		{stateTerminal, stateTerminal},
		{stateAborting, stateAborting},
	}
	for _, tr := range illegal {
		assert.False(t, canTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	r := &run{state: stateTerminal}
	assert.Error(t, r.transition(stateAborting))
	assert.Equal(t, stateTerminal, r.state)
	assert.Equal(t, "streaming", stateStreaming.String())
}
