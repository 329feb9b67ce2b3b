package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/DeckSettings/decky-game-settings/lib/config"
	"github.com/DeckSettings/decky-game-settings/lib/logger"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
)

// callConfig holds configuration for the call command.
type callConfig struct {
	wait    time.Duration
	timeout time.Duration
}

// NewCallCmd creates the call subcommand.
func NewCallCmd() *cobra.Command {
	cfg := &callConfig{}

	cmd := &cobra.Command{
		Use:   "call <method> [json-arg ...]",
		Short: "Start a backend and invoke one method",
		Long: `Start this binary as a backend child process, the way the plugin loader
does, invoke one method and print its JSON result. Each argument is parsed
as JSON; anything that is not valid JSON is passed as a string. Events the
backend emits are printed as they arrive.`,
		Example: `  deckverified-backend call add 2 3
  deckverified-backend call get_image_as_base64 /home/deck/cover.png
  deckverified-backend call start_timer --timer-delay 1s --wait 2s`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, cfg, args)
		},
	}

	cmd.Flags().DurationVar(&cfg.wait, "wait", 0, "keep listening for events this long after the call returns")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall deadline for loading and calling")

	return cmd
}

func runCall(cmd *cobra.Command, cfg *callConfig, args []string) error {
	appCfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	codec, err := plugin.CodecByName(appCfg.Transport.Codec)
	if err != nil {
		return err
	}

	log, err := logger.New(appCfg.Log.Level, "")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	childArgs := append([]string{"serve"}, inheritedFlags(cmd)...)
	spawn := &plugin.StdioProvider{Stderr: cmd.ErrOrStderr()}

	var opts *plugin.LoaderOptions
	if appCfg.Transport.Mode == config.TransportUnix {
		childArgs = append(childArgs, "--transport="+config.TransportUnix, "--socket="+appCfg.Transport.Socket)
		opts = plugin.WithUnixSocket(appCfg.Transport.Socket, spawn)
	} else {
		opts = plugin.WithCustomProvider(spawn)
	}
	spawn.Args = childArgs
	opts.Codec = codec
	opts.Logger = log
	opts.MaxMessageSize = appCfg.Transport.MaxMessageBytes

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	loader := plugin.NewLoaderWithOptions(exe, "deckverified-backend", version, opts)
	out := &syncWriter{w: cmd.OutOrStdout()}
	loader.OnEvent(plugin.AnyMessage, func(_ context.Context, event string, values []json.RawMessage) error {
		data, err := json.Marshal(values)
		if err != nil {
			return err
		}
		out.printf("event %s %s\n", event, data)
		return nil
	})

	if err := loader.Load(ctx); err != nil {
		return fmt.Errorf("failed to load backend: %w", err)
	}
	defer func() { _ = loader.Close() }()

	payload, err := plugin.CallArgs(ctx, loader, args[0], parseArgs(args[1:])...)
	if err != nil {
		return err
	}

	var result any
	if err := codec.DecodeValue(payload, &result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	out.printf("%s\n", data)

	if cfg.wait > 0 {
		select {
		case <-time.After(cfg.wait):
		case <-ctx.Done():
		}
		if !loader.IsProcessAlive() {
			return errors.New("backend exited while waiting for events")
		}
	}
	return nil
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

// inheritedFlags returns the root flags the user set, so the child backend
// runs with the same configuration.
func inheritedFlags(cmd *cobra.Command) []string {
	var out []string
	cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		switch f.Name {
		case "transport", "socket":
			return
		}
		out = append(out, "--"+f.Name+"="+f.Value.String())
	})
	return out
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, format, args...)
}
