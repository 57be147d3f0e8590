package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"atlas/internal/domain"
)

// RateLimitedProvider throttles calls to the wrapped provider with a token
// bucket shared by every concurrent pass.
type RateLimitedProvider struct {
	inner   domain.Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows perMinute calls per minute with the given burst.
func NewRateLimitedProvider(inner domain.Provider, perMinute, burst int) *RateLimitedProvider {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return p.inner.Chat(ctx, req)
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) Healthy(ctx context.Context) error { return p.inner.Healthy(ctx) }

func (p *RateLimitedProvider) Unwrap() domain.Provider { return p.inner }

var _ domain.Provider = (*RateLimitedProvider)(nil)
