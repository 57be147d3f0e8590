package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for Atlas.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Store    StoreConfig    `json:"store"`
	Router   RouterConfig   `json:"router"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel            string `json:"logLevel"`
	LogFile             string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentPasses int    `json:"maxConcurrentPasses"`
	EventBuffer         int    `json:"eventBuffer"`
}

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebhookPath   string `json:"webhookPath"`
	WebhookSecret string `json:"webhookSecret"`
}

// ProviderConfig configures the OpenAI-compatible model endpoint shared by
// trigger evaluation and hosted replies.
type ProviderConfig struct {
	APIBase         string `json:"apiBase"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel"`
	Referer         string `json:"referer,omitempty"`         // HTTP-Referer attribution header
	Title           string `json:"title,omitempty"`           // X-Title attribution header
	TimeoutSeconds  int    `json:"timeoutSeconds"`            // 0 = no timeout
	RateLimitPerMin int    `json:"rateLimitPerMinute"`        // 0 = unlimited
	RateLimitBurst  int    `json:"rateLimitBurst,omitempty"`
	BreakerFailures int    `json:"breakerFailures,omitempty"` // 0 = breaker disabled
	BreakerCooldown int    `json:"breakerCooldownSeconds,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" | "postgres"
	DBPath string `json:"dbPath"`
	DSN    string `json:"dsn,omitempty"`
}

// RouterConfig tunes the turn-taking engine.
type RouterConfig struct {
	WindowSize            int    `json:"windowSize"`
	BreakerThreshold      int    `json:"breakerThreshold"`
	BlockMarker           string `json:"blockMarker"`
	TriggerModel          string `json:"triggerModel,omitempty"`
	ReplyModel            string `json:"replyModel,omitempty"`
	WebhookTimeoutSeconds int    `json:"webhookTimeoutSeconds"`
	ClosingNotice         bool   `json:"closingNotice"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter"` // "stdout" | "noop"
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.atlas).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlas"
	}
	return filepath.Join(home, ".atlas")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays deployment secrets from the environment. Set variables
// win over file values.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ATLAS_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentPasses < 1 || cfg.General.MaxConcurrentPasses > 100 {
		errs = append(errs, "general.maxConcurrentPasses must be between 1 and 100")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}

	if cfg.Provider.APIBase == "" {
		errs = append(errs, "provider.apiBase is required")
	}
	if cfg.Provider.TimeoutSeconds < 0 {
		errs = append(errs, "provider.timeoutSeconds must be >= 0")
	}
	if cfg.Provider.RateLimitPerMin < 0 {
		errs = append(errs, "provider.rateLimitPerMinute must be >= 0")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.Router.WindowSize < 1 {
		errs = append(errs, "router.windowSize must be >= 1")
	}
	if cfg.Router.BreakerThreshold < 1 {
		errs = append(errs, "router.breakerThreshold must be >= 1")
	}
	// The trailing agent run is counted over the window, so a larger
	// threshold could never trip.
	if cfg.Router.BreakerThreshold > cfg.Router.WindowSize {
		errs = append(errs, "router.breakerThreshold must not exceed router.windowSize")
	}
	if strings.TrimSpace(cfg.Router.BlockMarker) == "" {
		errs = append(errs, "router.blockMarker must not be empty")
	}
	if cfg.Router.WebhookTimeoutSeconds < 1 {
		errs = append(errs, "router.webhookTimeoutSeconds must be >= 1")
	}

	switch cfg.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		errs = append(errs, "tracing.exporter must be one of: stdout, noop")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
