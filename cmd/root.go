package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/config"
	"github.com/zemo2003/nutrition-autopilot/internal/policy"
	"github.com/zemo2003/nutrition-autopilot/internal/resilience"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "nutrition-autopilot",
	Short: "Nutrient reconciliation and label lineage batch tool",
	Long:  "Resolves per-product nutrient values from manufacturer and USDA sources, freezes versioned nutrition-label snapshots with full lot lineage, and keeps the verification queue moving.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		resilience.SetDefaultRetryConfig(resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		))

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initStore opens the configured backend and applies migrations. The DDL is
// idempotent, so every command can run it. Callers own Close.
func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DSN, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadPolicy returns the embedded resolver policy, or the file override
// when one is configured.
func loadPolicy() (*policy.Policy, error) {
	if cfg.Resolver.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.Load(cfg.Resolver.PolicyFile)
}

// printJSON writes v to stdout indented; every run command ends with one.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
