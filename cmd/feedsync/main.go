package main

import (
	"context"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "feedsync",
	Short:         "Live post feed with coordinated metadata and asset storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var paths []string
		if configPath != "" {
			paths = append(paths, configPath)
		}
		var err error
		if cfg, err = config.Load(paths...); err != nil {
			return err
		}
		if err := logger.Init(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if cfg.Sentry.DSN != "" {
			if err := sentry.Init(sentry.ClientOptions{
				Dsn:              cfg.Sentry.DSN,
				Environment:      cfg.Sentry.Environment,
				EnableTracing:    cfg.Sentry.TracesSampleRate > 0,
				TracesSampleRate: cfg.Sentry.TracesSampleRate,
			}); err != nil {
				return fmt.Errorf("init sentry: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(intentsCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
