package main

import (
	"fmt"
	"os"

	"github.com/cuemby/rpcguard/pkg/config"
	"github.com/spf13/cobra"
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
	Use:   "rpcguard",
	Short: "rpcguard - gRPC middleware pipeline for cluster management APIs",
	Long: `rpcguard wraps a cluster management gRPC service with input validation,
per-client rate limiting, distributed tracing, retries with a typed error
taxonomy, redacted audit logging and Prometheus metrics.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rpcguard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file (defaults are used when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, falling back to the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rpcguard %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "✓ Configuration is valid")
		fmt.Fprintf(out, "  gRPC address:   %s\n", cfg.Server.GRPCAddr)
		fmt.Fprintf(out, "  Admin address:  %s\n", cfg.Server.AdminAddr)
		fmt.Fprintf(out, "  Default limit:  %g rps, burst %d, %s\n",
			cfg.RateLimit.Default.RequestsPerSecond, cfg.RateLimit.Default.BurstSize, cfg.RateLimit.Default.Policy)
		fmt.Fprintf(out, "  Endpoint rules: %d\n", len(cfg.RateLimit.Endpoints))
		fmt.Fprintf(out, "  Client rules:   %d\n", len(cfg.RateLimit.Clients))
		fmt.Fprintf(out, "  Audit sink:     %s\n", cfg.Audit.Sink)
		fmt.Fprintf(out, "  Trace exporter: %s\n", cfg.Tracing.Exporter)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
