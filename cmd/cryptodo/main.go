package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cryptodo",
	Short: "End-to-end encrypted to-do lists",
	Long: `cryptodo keeps to-do items encrypted with a key derived from a secret
only you hold. The server stores salts and ciphertext and never sees a
plaintext item.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./cryptodo.yaml or ~/.config/cryptodo/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	cfg = loaded

	if verbose {
		cfg.Log.Level = "debug"
	}
	if jsonOutput {
		cfg.Log.Color = false
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
				"code":    models.CodeOf(err),
			})
		} else {
			printError("%v", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode gives scripts something to branch on besides the message.
func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		return 3
	case errors.Is(err, models.ErrKeyNotProvisioned):
		return 4
	case errors.Is(err, models.ErrDecrypt):
		return 5
	case errors.Is(err, models.ErrUnavailable):
		return 6
	default:
		return 1
	}
}
