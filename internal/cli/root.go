package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Port       string
	BaudRate   int
	Debug      bool
}

// NewRootCommand creates the root command for the hwkeyctl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "hwkeyctl",
		Short: "Talk to a serial hardware key",
		Long: "hwkeyctl drives a hardware security key over its serial link: " +
			"discover connected keys, send raw commands, or run the WebSocket bridge.",
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "/etc/hwkey-bridge/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Port, "port", "", "serial port (default: first discovered key)")
	cmd.PersistentFlags().IntVar(&opts.BaudRate, "baud", 0, "baud rate override")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "verbose byte-level logging")

	// Add subcommands
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
