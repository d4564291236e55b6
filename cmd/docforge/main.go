package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"docforge/internal/config"
	"docforge/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "docforge",
	Short: "docforge - generate documents on a remote Jupyter kernel",
	Long: `docforge runs document-generating Python code on a Jupyter kernel gateway.

Library calls that write documents (python-docx, openpyxl, python-pptx,
reportlab, pypandoc, ...) are redirected so the output always lands at a
per-user, per-conversation path, and a download link is returned.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if timeout > 0 {
			loaded.Execution.Timeout = timeout.String()
		}
		if verbose {
			loaded.Logging.DebugMode = true
		}
		if err := logging.Initialize(loaded.Logging.ToLogging()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logging.BootDebug("config loaded from %q (gateway %s)", configPath, cfg.Gateway.BaseURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "docforge.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Execution timeout (overrides config)")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is cancelled on SIGINT/SIGTERM so an interrupted run still
// tears down its kernel.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
