package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"llm-playground/internal/domain"
	"llm-playground/internal/infra/tracer"
)

// Sender issues one provider request and returns the open streaming response.
type Sender interface {
	Send(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error)
}

// EventSource yields raw stream records read from a response body.
// io.EOF ends the stream.
type EventSource interface {
	Next() (domain.StreamEvent, error)
}

// AggregatorDeps holds injected dependencies for the aggregator.
type AggregatorDeps struct {
	Sender     Sender
	Store      domain.ConversationStore
	NewDecoder func(io.Reader) EventSource
	Bus        domain.EventBus // optional, nil = no events
	Logger     *slog.Logger

	RequestTimeout time.Duration // bounds Requesting only; 0 = unbounded
	IdleTimeout    time.Duration // max gap between body reads; 0 = no watchdog
	FlushInterval  time.Duration // 0 = persist every delta
}

// Aggregator drives one streamed response into one stored message.
type Aggregator struct {
	deps AggregatorDeps
}

// NewAggregator creates an aggregator with the given dependencies.
func NewAggregator(deps AggregatorDeps) *Aggregator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Aggregator{deps: deps}
}

// RunRequest identifies the response to stream and the pending message it
// is written into.
type RunRequest struct {
	ConversationID string
	MessageID      string
	Provider       domain.ProviderConfig
	Adapter        domain.ProviderAdapter
	Request        *domain.ProviderRequest
}

// RunResult is the outcome of one run. Status is always terminal; Content is
// whatever was accumulated, including partial output of failed runs.
type RunResult struct {
	MessageID    string
	Status       domain.MessageStatus
	Content      string
	Usage        *domain.Usage
	FinishReason string
	Err          error
}

type runState int

const (
	stateIdle runState = iota
	stateRequesting
	stateStreaming
	stateFinalizing
	stateAborting
	stateTerminal
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRequesting:
		return "requesting"
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	case stateAborting:
		return "aborting"
	case stateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("runState(%d)", int(s))
}

var legalTransitions = map[runState][]runState{
	stateIdle:       {stateRequesting, stateAborting},
	stateRequesting: {stateStreaming, stateAborting},
	stateStreaming:  {stateFinalizing, stateAborting},
	stateFinalizing: {stateTerminal, stateAborting},
	stateAborting:   {stateTerminal},
}

func canTransition(from, to runState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Run streams req into its pending message until a terminal status is
// written. It never returns early with the message left non-terminal, and
// reports every failure through RunResult.
func (a *Aggregator) Run(ctx context.Context, req RunRequest) RunResult {
	ctx, span := tracer.StartSpan(ctx, "aggregator.run",
		tracer.ConversationAttrs(req.ConversationID, req.MessageID),
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", req.Provider.Name),
			tracer.StringAttr("llm.model", req.Provider.Model),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		deps:   a.deps,
		req:    req,
		ctx:    runCtx,
		cancel: cancel,
		logger: a.deps.Logger.With("conversation", req.ConversationID, "message", req.MessageID),
	}
	res := r.execute()

	span.SetAttributes(
		tracer.StringAttr("chat.status", string(res.Status)),
		tracer.IntAttr("chat.deltas", r.seq),
	)
	if res.Status == domain.StatusFailed {
		tracer.RecordError(span, res.Err)
	} else {
		tracer.SetOK(span)
	}
	return res
}

// run is the state of one Aggregator.Run call. It is owned by a single
// goroutine.
type run struct {
	deps   AggregatorDeps
	req    RunRequest
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger

	state        runState
	content      strings.Builder
	flushed      int
	lastFlush    time.Time
	seq          int
	usage        *domain.Usage
	finishReason string
	flushErr     error // last failed content write; never retried
}

func (r *run) transition(to runState) error {
	if !canTransition(r.state, to) {
		return fmt.Errorf("illegal run transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}

func (r *run) execute() RunResult {
	if err := r.ctx.Err(); err != nil {
		return r.abort(r.cause(err))
	}
	if err := r.transition(stateRequesting); err != nil {
		return r.abort(err)
	}
	r.publish(r.ctx, domain.EventStreamStarted, domain.StreamStartedPayload{
		Provider: r.req.Provider.Name,
		Model:    r.req.Provider.Model,
	})

	var reqTimer *time.Timer
	if d := r.deps.RequestTimeout; d > 0 {
		reqTimer = time.AfterFunc(d, func() { r.cancel(domain.ErrRequestTimeout) })
	}
	resp, err := r.deps.Sender.Send(r.ctx, r.req.Request)
	if reqTimer != nil && !reqTimer.Stop() {
		// The deadline fired before the response was seen; a late response
		// is discarded rather than streamed on a cancelled context.
		if err == nil {
			resp.Body.Close()
		}
		return r.abort(r.cause(domain.ErrRequestTimeout))
	}
	if err != nil {
		return r.abort(r.cause(err))
	}
	body := resp.Body
	defer body.Close()
	stopClose := context.AfterFunc(r.ctx, func() { body.Close() })
	defer stopClose()

	var src io.Reader = body
	if d := r.deps.IdleTimeout; d > 0 {
		w := newIdleWatchdog(body, d, func() { r.cancel(domain.ErrIdleTimeout) })
		defer w.stop()
		src = w
	}
	events := r.deps.NewDecoder(src)

	for {
		if err := r.ctx.Err(); err != nil {
			return r.abort(r.cause(err))
		}
		ev, err := events.Next()
		if errors.Is(err, io.EOF) {
			return r.endOfStream()
		}
		if err != nil {
			return r.abort(r.cause(err))
		}

		d, err := r.req.Adapter.DecodeEvent(ev)
		if errors.Is(err, domain.ErrUnrecognizedEvent) {
			r.logger.Debug("skipping unrecognized stream event", "event", ev.Event, "error", err)
			continue
		}
		if err != nil {
			return r.abort(r.cause(err))
		}

		if r.state == stateRequesting {
			if err := r.startStreaming(); err != nil {
				return r.abort(r.cause(err))
			}
		}
		if d.Err != nil {
			return r.abort(d.Err)
		}
		r.mergeUsage(d.Usage)
		if d.FinishReason != "" {
			r.finishReason = d.FinishReason
		}
		if d.Text != "" {
			if err := r.appendText(d.Text); err != nil {
				return r.abort(r.cause(err))
			}
		}
		if d.Done {
			return r.complete()
		}
	}
}

// cause maps err to the run's cancellation cause once the run context is
// done. A caller cancel without a cause counts as an explicit cancel.
func (r *run) cause(err error) error {
	if r.ctx.Err() == nil {
		return err
	}
	cause := context.Cause(r.ctx)
	if errors.Is(cause, context.Canceled) {
		return domain.ErrCancelled
	}
	return cause
}

func (r *run) startStreaming() error {
	if err := r.transition(stateStreaming); err != nil {
		return err
	}
	if err := r.deps.Store.SetMessageStatus(r.ctx, r.req.MessageID, domain.StatusStreaming); err != nil {
		return domain.NewPersistenceError("set status", err)
	}
	return nil
}

func (r *run) appendText(text string) error {
	r.content.WriteString(text)
	r.seq++
	if r.deps.FlushInterval <= 0 || time.Since(r.lastFlush) >= r.deps.FlushInterval {
		if err := r.flush(r.ctx); err != nil {
			return err
		}
	}
	r.publish(r.ctx, domain.EventStreamDelta, domain.StreamDeltaPayload{
		Text:    text,
		Content: r.content.String(),
		Seq:     r.seq,
	})
	return nil
}

// flush persists accumulated content not yet written.
func (r *run) flush(ctx context.Context) error {
	if r.content.Len() == r.flushed {
		return nil
	}
	if err := r.deps.Store.UpdateMessageContent(ctx, r.req.MessageID, r.content.String()); err != nil {
		r.flushErr = domain.NewPersistenceError("update content", err)
		return r.flushErr
	}
	r.flushed = r.content.Len()
	r.lastFlush = time.Now()
	return nil
}

func (r *run) mergeUsage(u *domain.Usage) {
	if u == nil {
		return
	}
	if r.usage == nil {
		r.usage = &domain.Usage{}
	}
	if u.PromptTokens > 0 {
		r.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		r.usage.CompletionTokens = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		r.usage.TotalTokens = u.TotalTokens
	}
	if sum := r.usage.PromptTokens + r.usage.CompletionTokens; r.usage.TotalTokens < sum {
		r.usage.TotalTokens = sum
	}
}

// endOfStream accepts EOF as completion only when a finish reason was seen.
func (r *run) endOfStream() RunResult {
	if err := r.ctx.Err(); err != nil {
		return r.abort(r.cause(err))
	}
	if r.state == stateStreaming && r.finishReason != "" {
		return r.complete()
	}
	return r.abort(domain.ErrStreamTruncated)
}

func (r *run) complete() RunResult {
	if err := r.transition(stateFinalizing); err != nil {
		return r.abort(err)
	}
	if err := r.flush(context.WithoutCancel(r.ctx)); err != nil {
		return r.abort(err)
	}
	return r.terminate(domain.StatusComplete, nil)
}

// abort ends the run as cancelled when err is a cancel, failed otherwise.
// Accumulated content is flushed before the status write unless a content
// write already failed.
func (r *run) abort(err error) RunResult {
	status := domain.StatusFailed
	if errors.Is(err, domain.ErrCancelled) {
		status = domain.StatusCancelled
	}
	if terr := r.transition(stateAborting); terr != nil {
		r.logger.Error("run state machine", "error", terr)
		return r.result(status, err)
	}
	if r.flushErr == nil {
		if ferr := r.flush(context.WithoutCancel(r.ctx)); ferr != nil {
			r.logger.Warn("flush partial content", "error", ferr)
		}
	}
	return r.terminate(status, err)
}

// terminate writes the terminal status exactly once, on a context detached
// from the run so a cancelled run still records its outcome.
func (r *run) terminate(status domain.MessageStatus, err error) RunResult {
	if terr := r.transition(stateTerminal); terr != nil {
		r.logger.Error("run state machine", "error", terr)
		return r.result(status, err)
	}
	ctx := context.WithoutCancel(r.ctx)

	if serr := r.deps.Store.SetMessageStatus(ctx, r.req.MessageID, status); serr != nil {
		serr = domain.NewPersistenceError("set status", serr)
		r.logger.Error("write terminal status", "status", status, "error", serr)
		if err == nil {
			status, err = domain.StatusFailed, serr
		} else {
			err = errors.Join(err, serr)
		}
	}

	content := r.content.String()
	switch status {
	case domain.StatusComplete:
		r.logger.Info("stream completed", "deltas", r.seq, "finish_reason", r.finishReason)
		r.publish(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
			Content:      content,
			FinishReason: r.finishReason,
			Usage:        r.usage,
		})
	case domain.StatusCancelled:
		r.logger.Info("stream cancelled", "deltas", r.seq)
		r.publish(ctx, domain.EventStreamCancelled, domain.StreamErrorPayload{
			Content: content,
			Error:   err.Error(),
			Code:    domain.ErrorCodeOf(err),
		})
	default:
		r.logger.Warn("stream failed", "deltas", r.seq, "code", domain.ErrorCodeOf(err), "error", err)
		r.publish(ctx, domain.EventStreamFailed, domain.StreamErrorPayload{
			Content: content,
			Error:   err.Error(),
			Code:    domain.ErrorCodeOf(err),
		})
	}
	return r.result(status, err)
}

func (r *run) result(status domain.MessageStatus, err error) RunResult {
	return RunResult{
		MessageID:    r.req.MessageID,
		Status:       status,
		Content:      r.content.String(),
		Usage:        r.usage,
		FinishReason: r.finishReason,
		Err:          err,
	}
}

func (r *run) publish(ctx context.Context, eventType domain.EventType, payload any) {
	publishEvent(ctx, r.deps.Bus, eventType, r.req.ConversationID, r.req.MessageID, payload)
}

// publishEvent publishes a domain event on the bus if it is configured.
func publishEvent(ctx context.Context, bus domain.EventBus, eventType domain.EventType, conversationID, messageID string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(eventType, conversationID, messageID, payload))
}

// idleWatchdog calls onIdle when no bytes have been read for timeout.
type idleWatchdog struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleWatchdog(r io.Reader, timeout time.Duration, onIdle func()) *idleWatchdog {
	return &idleWatchdog{r: r, timeout: timeout, timer: time.AfterFunc(timeout, onIdle)}
}

func (w *idleWatchdog) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.timer.Reset(w.timeout)
	}
	return n, err
}

func (w *idleWatchdog) stop() { w.timer.Stop() }
