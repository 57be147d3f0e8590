package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:            "info",
			MaxConcurrentPasses: 8,
			EventBuffer:         100,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			WebhookPath: "/webhook/messages",
		},
		Provider: ProviderConfig{
			APIBase:         "https://openrouter.ai/api/v1",
			DefaultModel:    "openrouter/free",
			Referer:         "http://localhost:3000",
			Title:           "Atlas Orchestrator",
			RateLimitPerMin: 60,
			RateLimitBurst:  10,
			BreakerFailures: 5,
			BreakerCooldown: 30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "~/.atlas/atlas.db",
		},
		Router: RouterConfig{
			WindowSize:            5,
			BreakerThreshold:      5,
			BlockMarker:           "[BLOCK]",
			WebhookTimeoutSeconds: 10,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
