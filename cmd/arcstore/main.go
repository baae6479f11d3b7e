// arcstore keeps archival packages replicated across a set of storages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcstore/arcstore/internal/config"
	"github.com/arcstore/arcstore/internal/engine"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arcstore",
		Short: "arcstore - replicated archival storage",
		Long: `arcstore archives packages on every attached storage, checks their
fixity, and synchronizes newly attached storages while the system keeps
running.

QUICK START:

  # Run the engine with the storages listed in the config:
  arcstore serve -c /etc/arcstore/config.yaml

  # Archive a package and read it back:
  arcstore archive ./package.tar --id pkg-1 --tenant library
  arcstore get pkg-1 -o ./restored.tar

  # Attach a new storage and copy the archive onto it:
  arcstore attach backup sftp://arc@backup.example.com/srv/arc?key_file=~/.ssh/id_ed25519

For more help on any command, use: arcstore <command> --help`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(storageCommands()...)
	rootCmd.AddCommand(objectCommands()...)
	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("ARCSTORE_CONFIG"); p != "" {
		return p
	}
	return "/etc/arcstore/config.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// withEngine opens the engine for a one-shot command. Operations a crash
// left in flight are rolled back first, and repairs the command queued are
// carried out before the engine closes.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	e, err := engine.New(ctx, cfg, log.Logger, engine.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close")
		}
	}()
	if err := e.Recover(ctx); err != nil {
		return err
	}
	if err := fn(ctx, e); err != nil {
		return err
	}
	e.Repairs.Drain(ctx)
	return nil
}
