// Package root assembles the parley command tree.
package root

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/logging"
	"github.com/parleyhq/parley/pkg/paths"
)

type rootFlags struct {
	configPath  string
	debugMode   bool
	logFilePath string

	logCloser io.Closer
	log       *slog.Logger
	cfg       config.Config
}

// NewRootCmd builds the CLI.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "parley",
		Short: "parley - multi-tenant conversational agent engine",
		Long:  "parley runs durable agent sessions behind a websocket and HTTP API",
		Example: `  parley serve
  parley serve --config parley.yaml
  parley token start --agent chat`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.configPath == "" {
				flags.configPath = paths.DefaultConfigFile()
			}
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			flags.cfg = cfg

			level := logging.ParseLevel(cfg.LogLevel)
			if flags.debugMode {
				level = slog.LevelDebug
			}
			log, closer, err := logging.Setup(level, flags.logFilePath)
			if err != nil {
				return err
			}
			flags.log = log
			flags.logCloser = closer
			slog.SetDefault(log)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if flags.logCloser != nil {
				return flags.logCloser.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Write logs to a rotating file instead of stderr")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&flags))
	cmd.AddCommand(newTokenCmd(&flags))

	return cmd
}
