package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"atlas/internal/config"
	"atlas/internal/provider"
	"atlas/internal/store"

	"github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, store and model provider",
		Long: `Verifies that Atlas's configuration loads, the store opens and is migrated,
the model provider answers and the webhook port is free. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Atlas status v%s\n\n", version)

			var passed, failed, warned int

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			cfg, logCloser, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d warnings, 1 failed\n", passed, warned)
				return err
			}
			defer logCloser.Close()
			printPass("Config validation", "valid")
			passed++

			if cfg.Server.WebhookSecret == "" {
				printWarn("Webhook secret", "empty, every webhook call will be rejected")
				warned++
			} else {
				printPass("Webhook secret", "set")
				passed++
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			if detail, err := checkStore(ctx, cfg.Store); err != nil {
				printFail("Store", err.Error())
				failed++
			} else {
				printPass("Store", detail)
				passed++
			}

			prov := provider.New(cfg.Provider, logger)
			if cfg.Provider.APIKey == "" {
				printWarn("Provider", "no API key (set OPENROUTER_API_KEY)")
				warned++
			} else if err := prov.Healthy(ctx); err != nil {
				printFail("Provider", fmt.Sprintf("%s: %v", cfg.Provider.APIBase, err))
				failed++
			} else {
				printPass("Provider", fmt.Sprintf("%s (%s)", cfg.Provider.APIBase, cfg.Provider.DefaultModel))
				passed++
			}

			if bp, ok := provider.FindBreaker(prov); ok {
				detail := fmt.Sprintf("%s, opens after %d consecutive failures", bp.State(), cfg.Provider.BreakerFailures)
				if bp.State() == gobreaker.StateClosed {
					printPass("Provider breaker", detail)
					passed++
				} else {
					printWarn("Provider breaker", detail)
					warned++
				}
			} else {
				printWarn("Provider breaker", "disabled (provider.breakerFailures is 0)")
				warned++
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Webhook port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkStore opens the configured store, which also applies migrations.
func checkStore(ctx context.Context, sc config.StoreConfig) (string, error) {
	st, err := store.Open(ctx, sc, logger)
	if err != nil {
		return "", err
	}
	defer st.Close()

	if sq, ok := st.(*store.SQLiteStore); ok {
		v, err := store.GetSchemaVersion(sq.DB())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sqlite %s (schema v%d)", sc.DBPath, v), nil
	}
	return sc.Driver, nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
