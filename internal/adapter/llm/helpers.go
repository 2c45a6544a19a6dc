package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"llm-playground/internal/domain"
	"llm-playground/internal/infra/config"
	"llm-playground/internal/infra/tracer"
)

// maxErrorBody caps how much of a non-2xx response body is kept for display.
const maxErrorBody = 64 * 1024

// Sender issues one provider request and returns the open streaming response.
// The caller owns the response body. Non-2xx statuses are returned as
// *domain.ProviderError with the body already consumed and closed.
type Sender interface {
	Send(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error)
}

// HTTPSender sends requests over one shared client, throttled per upstream
// host by a token bucket.
type HTTPSender struct {
	client *http.Client
	limits config.RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPSender returns a sender using client. A zero RequestsPerMinute
// disables throttling.
func NewHTTPSender(client *http.Client, limits config.RateLimitConfig, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		client:   client,
		limits:   limits,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error) {
	host := requestHost(req.URL)
	ctx, span := tracer.StartSpan(ctx, "llm.send",
		trace.WithAttributes(tracer.StringAttr("llm.host", host)),
	)
	defer span.End()

	if lim := s.limiter(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			tracer.RecordError(span, err)
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("http request: %w", err)
	}

	span.SetAttributes(tracer.IntAttr("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := mapHTTPError(host, resp.StatusCode, body)
		tracer.RecordError(span, perr)
		s.logger.Debug("provider returned error status", "host", host, "status", resp.StatusCode)
		return nil, perr
	}

	tracer.SetOK(span)
	return resp, nil
}

func (s *HTTPSender) limiter(host string) *rate.Limiter {
	if s.limits.RequestsPerMinute <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[host]
	if !ok {
		burst := s.limits.Burst
		if burst <= 0 {
			burst = 1
		}
		// requestsPerMin spread over 60 seconds
		lim = rate.NewLimiter(rate.Limit(s.limits.RequestsPerMinute)/60.0, burst)
		s.limiters[host] = lim
	}
	return lim
}

func requestHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// apiErrorEnvelope matches the {"error": {...}} body shape used by OpenAI,
// Anthropic and Gemini alike.
type apiErrorEnvelope struct {
	Error *struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapHTTPError maps an HTTP status code + response body to a ProviderError
// whose classifier lets callers and the circuit breaker tell rate limits,
// auth failures and server faults apart.
func mapHTTPError(provider string, statusCode int, body []byte) error {
	perr := &domain.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Body:       string(body),
	}

	var env apiErrorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		perr.Type = env.Error.Type
		if perr.Type == "" {
			perr.Type = env.Error.Status
		}
		perr.Message = env.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		perr.Err = domain.ErrRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		perr.Err = domain.ErrAuthInvalid
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		perr.Err = domain.ErrContextOverflow
	case statusCode >= 500: // 500, 502, 503, etc.
		perr.Err = domain.ErrServerError
	default:
		perr.Err = domain.ErrProviderError
	}
	return perr
}

// --- Connection Pooling ---

// Default connection pool settings optimized for LLM API usage patterns:
// few hosts, long-lived streaming connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 10 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
// There is no response header timeout: the aggregator bounds the request
// phase itself so the failure is reported as a request timeout.
func NewPooledTransport(connTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// NewHTTPClient creates the process-wide *http.Client shared by every
// provider. It sets no total Timeout since a healthy stream may run for
// minutes.
func NewHTTPClient(cfg config.LLMConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.Pool),
	}
}

// NewSender builds the sender stack described by cfg: a rate-limited HTTP
// sender, wrapped in per-host circuit breakers when enabled.
func NewSender(cfg config.LLMConfig, logger *slog.Logger) Sender {
	var s Sender = NewHTTPSender(NewHTTPClient(cfg), cfg.RateLimit, logger)
	if cfg.CircuitBreaker.Enabled {
		s = NewCircuitBreakerSender(s, cfg.CircuitBreaker, logger)
	}
	return s
}
