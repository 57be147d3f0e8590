package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"atlas/internal/domain"
)

const (
	defaultBreakerFailures uint32        = 5
	defaultBreakerCooldown time.Duration = 30 * time.Second
	defaultBreakerInterval time.Duration = 60 * time.Second
)

// BreakerConfig configures provider failure isolation. This guards the model
// endpoint, not conversation turn-taking.
type BreakerConfig struct {
	MaxFailures uint32
	Cooldown    time.Duration
	Interval    time.Duration
}

// BreakerProvider fails fast while the model endpoint is repeatedly failing.
type BreakerProvider struct {
	inner   domain.Provider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

func NewBreakerProvider(inner domain.Provider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Cancelled passes and rejected requests say nothing about the
		// endpoint's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || isClientError(err)
		},
	})

	return &BreakerProvider{inner: inner, breaker: cb}
}

func (p *BreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q unavailable: %w", p.inner.Name(), err)
	}
	return resp, err
}

func (p *BreakerProvider) Name() string { return p.inner.Name() }

// Healthy runs the inner check through the breaker, so an open breaker
// answers without touching the endpoint.
func (p *BreakerProvider) Healthy(ctx context.Context) error {
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return nil, p.inner.Healthy(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q unavailable: %w", p.inner.Name(), err)
	}
	return err
}

// State returns the current breaker state for status reporting.
func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }

// FindBreaker returns the breaker wrapped somewhere inside p, if any.
func FindBreaker(p domain.Provider) (*BreakerProvider, bool) {
	for p != nil {
		if bp, ok := p.(*BreakerProvider); ok {
			return bp, true
		}
		w, ok := p.(interface{ Unwrap() domain.Provider })
		if !ok {
			break
		}
		p = w.Unwrap()
	}
	return nil, false
}

var _ domain.Provider = (*BreakerProvider)(nil)
