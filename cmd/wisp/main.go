/*
Command wisp runs the event dispatch daemon: it loads the YAML convention
pkg/config describes, wires the declared sources and sinks into a
pkg/daemon.Engine, and blocks until SIGTERM/SIGINT.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/wisp/pkg/daemon"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wisp",
	Short: "wisp - a lightweight local event dispatch daemon",
	Long: `wisp watches files, file descriptors, and timers, and routes what it
observes to a configurable set of sinks through a single-threaded dispatcher.

Configuration is a directory of YAML files declaring named sources and
sinks; see wisp run --config-dir.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"wisp version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the wisp daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configDir, _ := cmd.Flags().GetString("config-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		e, err := daemon.New()
		if err != nil {
			return fmt.Errorf("failed to build engine: %w", err)
		}

		metrics.SetVersion(Version)

		if configDir != "" {
			if err := e.LoadConfig(configDir); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Logger.Info().Str("config_dir", configDir).Msg("wisp starting")
		if err := e.Run(ctx, metricsAddr); err != nil {
			return fmt.Errorf("daemon exited with error: %w", err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("config-dir", "", "directory of *.yaml files declaring sources and sinks")
	runCmd.Flags().String("metrics-addr", "", "loopback address to serve /metrics and /healthz on (disabled if empty)")
}
