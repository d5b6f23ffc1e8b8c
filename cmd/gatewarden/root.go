package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Gatewarden - multi-level admission control engine",
	Long: `Gatewarden is an admission control engine that decides, atomically and
across instances, whether a request may proceed.

It checks layered quotas in a fixed order:
  - Global service quota
  - Per-origin quota
  - Per-resource quota
  - Per-identity quota, parameterized by subscription tier

with whitelist bypass, circuit breaker gating and cadence-driven tier
adjustment on top. State lives in a shared store (memory, SQLite or
Redis) so any number of instances converge on the same decisions.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
