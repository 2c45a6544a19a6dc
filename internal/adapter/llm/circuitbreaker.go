package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"llm-playground/internal/domain"
	"llm-playground/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerSender guards a Sender with one breaker per upstream host.
// Only the request phase passes through the breaker: once response headers
// arrive the stream is out of its hands, so mid-stream failures never trip it.
// When a host keeps failing, the circuit opens and sends fail fast instead
// of waiting out another request timeout.
type CircuitBreakerSender struct {
	inner    Sender
	settings config.CircuitBreakerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewCircuitBreakerSender wraps inner. Zero-valued settings fall back to defaults.
func NewCircuitBreakerSender(inner Sender, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerSender {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &CircuitBreakerSender{
		inner:    inner,
		settings: cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// Send implements Sender. Calls are routed through the host's breaker.
func (s *CircuitBreakerSender) Send(ctx context.Context, req *domain.ProviderRequest) (*http.Response, error) {
	host := requestHost(req.URL)
	resp, err := s.breaker(host).Execute(func() (*http.Response, error) {
		return s.inner.Send(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ProviderError{
				Provider: host,
				Message:  "circuit open: " + err.Error(),
				Err:      err,
			}
		}
		return nil, err
	}
	return resp, nil
}

// State returns the breaker state for host, or closed when none exists yet.
func (s *CircuitBreakerSender) State(host string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[host]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (s *CircuitBreakerSender) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}

	maxFailures := s.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "llm:" + host,
		MaxRequests: 1, // allow 1 trial request in half-open state
		Interval:    s.settings.Interval,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: countsAsHealthy,
	})
	s.breakers[host] = cb
	return cb
}

// countsAsHealthy reports whether err says nothing about the upstream's
// health: success, caller cancellation, or a request the provider rejected
// on its merits (bad model name, bad key).
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return !errors.Is(err, domain.ErrServerError) && !errors.Is(err, domain.ErrRateLimit)
	}
	return false
}

var (
	_ Sender = (*HTTPSender)(nil)
	_ Sender = (*CircuitBreakerSender)(nil)
)
