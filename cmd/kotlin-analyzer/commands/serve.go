package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Language Server Protocol on stdin/stdout",
	Long: `Serve LSP over stdio. This is what editors invoke; running the binary
with no subcommand does the same thing.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	logging.Info().Str("version", Version).Msg("kotlin-analyzer starting")

	// Workspace configuration is loaded at initialize, once the editor has
	// told us where the workspace root is. Defaults carry us until then.
	cfg := config.Default()

	bus := event.NewBus()
	defer bus.Close()

	srv := server.New(cfg, bus, protocol.NewStream(os.Stdin, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := srv.Run(ctx)
	logging.Info().Msg("kotlin-analyzer stopped")
	return err
}

// setupLogging routes logs to the --log-file if given. stdout belongs to the
// protocol, and most editors discard stderr, so the file is the reliable
// channel.
func setupLogging() error {
	level := logging.ParseLevel(logLevel)
	if logFile != "" {
		return logging.InitFile(logFile, level)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	logging.Init(cfg)
	return nil
}
