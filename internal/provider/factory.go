package provider

import (
	"log/slog"
	"time"

	"atlas/internal/config"
	"atlas/internal/domain"
)

// New builds the configured model provider: the OpenAI-compatible client,
// wrapped by the failure breaker and then the rate limiter when enabled.
func New(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
	var p domain.Provider = NewOpenAI(OpenAIConfig{
		APIKey:  pc.APIKey,
		APIBase: pc.APIBase,
		Model:   pc.DefaultModel,
		Referer: pc.Referer,
		Title:   pc.Title,
		Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	if pc.BreakerFailures > 0 {
		p = NewBreakerProvider(p, BreakerConfig{
			MaxFailures: uint32(pc.BreakerFailures),
			Cooldown:    time.Duration(pc.BreakerCooldown) * time.Second,
		}, logger)
	}

	if pc.RateLimitPerMin > 0 {
		p = NewRateLimitedProvider(p, pc.RateLimitPerMin, pc.RateLimitBurst)
	}

	return p
}
