// Package commands provides the CLI commands for kotlin-analyzer.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.3.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "kotlin-analyzer",
	Short: "Kotlin language server",
	Long: `kotlin-analyzer is a language server for Kotlin. It speaks the Language
Server Protocol over stdio and delegates semantic analysis to a JVM
sidecar process that it supervises.

Editors should launch the binary with no subcommand; 'kotlin-analyzer'
alone starts serving on stdin/stdout.`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	// Editors may launch us from anywhere; a .env next to the project is a
	// convenient place for JAVA_HOME overrides during development.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr")

	rootCmd.SetVersionTemplate(fmt.Sprintf("kotlin-analyzer %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
