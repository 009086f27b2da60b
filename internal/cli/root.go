package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	jsonLog   bool
	serverURL string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "voidrun",
	Short: "Sandboxed JavaScript/TypeScript execution service",
	Long: `Voidrun runs untrusted JavaScript, TypeScript, and Bun programs inside
isolated containers with bounded CPU, memory, time, and network access.

It provides a server managing one-shot and persistent sandboxes (with a
reverse proxy and FaaS deployments) and client utilities for the API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Configure logging
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("VOIDRUN_SERVER", "http://127.0.0.1:8070"), "Server base URL for client commands")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
