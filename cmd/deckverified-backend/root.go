package main

import (
	"github.com/spf13/cobra"

	"github.com/DeckSettings/decky-game-settings/lib/assets"
	"github.com/DeckSettings/decky-game-settings/lib/backend"
	"github.com/DeckSettings/decky-game-settings/lib/config"
)

// NewRootCmd creates the root command. Without a subcommand it serves the
// plugin protocol, which is how the host starts it.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deckverified-backend",
		Short: "Deck Settings plugin backend",
		Long: `Backend process of the Deck Settings plugin. The plugin loader starts
it and talks to it over stdin/stdout; every flag can also be set through
the matching DECKY_GS_ environment variable.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	flags := cmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("codec", "json", "argument codec (json, protobuf)")
	flags.String("transport", config.TransportStdio, "protocol transport (stdio, unix)")
	flags.String("socket", "", "unix socket path for the unix transport")
	flags.String("upload-endpoint", assets.DefaultEndpoint, "asset host upload URL")
	flags.Duration("upload-timeout", assets.DefaultTimeout, "timeout per upload batch")
	flags.Bool("insecure", true, "skip TLS certificate verification for uploads")
	flags.Duration("timer-delay", backend.DefaultTimerDelay, "delay before start_timer emits its event")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCallCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the backend version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := cmd.Root().Version
			if v == "" {
				v = version
			}
			_, err := cmd.OutOrStdout().Write([]byte("deckverified-backend " + v + "\n"))
			return err
		},
	}
}
