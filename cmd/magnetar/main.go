package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/config"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/observability"
)

var version = "0.1.0"

func main() {
	// Load .env if present; ignore absence.
	_ = godotenv.Load()

	var configFile string
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "magnetar",
		Short: "Magnetar - chunked columnar store for multimodal logs",
		Long: `Magnetar stores multimodal log data as immutable Arrow-backed chunks,
indexed per entity, timeline and component, and answers latest-at and
range queries over them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if cfg.Observability.EnableTracing {
				shutdown, err := observability.Init(observability.Config{
					ServiceName:    cfg.Observability.ServiceName,
					ServiceVersion: version,
					Stdout:         cfg.Observability.TraceStdout,
					SamplingRate:   1,
				})
				if err != nil {
					return err
				}
				traceShutdown = shutdown
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if traceShutdown != nil {
				if err := traceShutdown(cmd.Context()); err != nil {
					logger.Get().Warn("trace shutdown failed", zap.Error(err))
				}
			}
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Magnetar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newInspectCmd())
	root.AddCommand(newStatsCmd(&cfg))
	root.AddCommand(newQueryCmd(&cfg))
	root.AddCommand(newRepackCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	traceShutdown func(context.Context) error
	cmdCtx        = context.Background()
)
