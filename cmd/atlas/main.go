package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"atlas/internal/agent"
	"atlas/internal/bus"
	"atlas/internal/config"
	"atlas/internal/ingress"
	"atlas/internal/provider"
	"atlas/internal/store"
	"atlas/internal/tracing"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "atlas",
		Short: "Atlas: multi-agent conversation orchestrator",
		Long: `Atlas decides which AI agent, if any, speaks next in a shared channel.
It receives message events from the store's database webhook, asks each
bound agent whether it wants to reply and writes at most one reply per pass.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.atlas/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(agentsCmd())
	root.AddCommand(passCmd())
	root.AddCommand(postCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := filepath.Dir(config.ExpandPath(cfg.Store.DBPath))
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			fmt.Println("Set server.webhookSecret (or WEBHOOK_SECRET) before running 'atlas serve'.")
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file and reconfigures the global logger from
// it. A missing file falls back to defaults plus environment overrides.
func loadConfig() (*config.Config, io.Closer, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); statErr == nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		config.ApplyEnv(cfg)
		cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
	}
	closer, err := setupLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func setupLogger(gc config.GeneralConfig) (io.Closer, error) {
	level := slog.LevelInfo
	switch strings.ToLower(gc.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if gc.LogFile == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(gc.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(f, opts))
	slog.SetDefault(logger)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildRouter wires the routing engine over an open store.
func buildRouter(cfg *config.Config, st store.Store) *agent.Router {
	prov := provider.New(cfg.Provider, logger)

	return agent.NewRouter(agent.RouterConfig{
		Store:     st,
		Evaluator: agent.NewTriggerEvaluator(prov, cfg.Router.TriggerModel, logger),
		Responder: agent.NewAgentResponder(agent.ResponderConfig{
			Provider:       prov,
			Model:          cfg.Router.ReplyModel,
			WebhookTimeout: time.Duration(cfg.Router.WebhookTimeoutSeconds) * time.Second,
			Logger:         logger,
		}),
		Gatekeeper:       agent.NewGatekeeper(cfg.Router.BlockMarker),
		WindowSize:       cfg.Router.WindowSize,
		BreakerThreshold: cfg.Router.BreakerThreshold,
		ClosingNotice:    cfg.Router.ClosingNotice,
		Logger:           logger,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and the routing dispatcher",
		Long:  "Receives message events on the webhook path and runs one routing pass per accepted event. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	router := buildRouter(cfg, st)

	// Passes run on their own context: a signal stops intake, not passes
	// already in flight.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	eventBus := bus.New(cfg.General.EventBuffer, logger)
	dispatchCfg := agent.DispatcherConfig{
		Router:      router,
		Bus:         eventBus,
		Concurrency: cfg.General.MaxConcurrentPasses,
		Logger:      logger,
	}
	// SQLite has no database webhook, so the dispatcher feeds replies back
	// to itself.
	if sq, ok := st.(*store.SQLiteStore); ok {
		dispatchCfg.Mirror = sq
	}
	dispatcher := agent.NewDispatcher(dispatchCfg)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(workCtx)
	}()

	srvCfg := ingress.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		WebhookPath: cfg.Server.WebhookPath,
		Secret:      cfg.Server.WebhookSecret,
		Bus:         eventBus,
		Logger:      logger,
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv := ingress.NewServer(srvCfg)

	logger.Info("atlas started", "version", version, "store", cfg.Store.Driver)

	// Start blocks until the signal context is done.
	srvErr := srv.Start(ctx)
	if srvErr != nil {
		logger.Error("ingress server stopped", "err", srvErr)
	}

	logger.Info("shutting down, waiting for in-flight passes")
	eventBus.Close()

	const shutdownTimeout = 30 * time.Second
	select {
	case <-dispatchDone:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, cancelling passes")
		cancelWork()
		<-dispatchDone
		return fmt.Errorf("shutdown timed out")
	}
	return srvErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			if sq, ok := st.(*store.SQLiteStore); ok {
				v, err := store.GetSchemaVersion(sq.DB())
				if err != nil {
					return err
				}
				fmt.Printf("sqlite schema at version %d (%s)\n", v, cfg.Store.DBPath)
				return nil
			}
			fmt.Printf("%s schema is up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. router.windowSize)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. router.closingNotice true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List every settable config key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				cfg = config.Defaults()
			}
			for _, p := range config.Paths(cfg) {
				fmt.Println(p)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
