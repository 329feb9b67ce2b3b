package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/assets"
	"github.com/DeckSettings/decky-game-settings/lib/backend"
	"github.com/DeckSettings/decky-game-settings/lib/config"
	"github.com/DeckSettings/decky-game-settings/lib/hardware"
	"github.com/DeckSettings/decky-game-settings/lib/logger"
	"github.com/DeckSettings/decky-game-settings/lib/metrics"
	"github.com/DeckSettings/decky-game-settings/lib/migrate"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
	"github.com/DeckSettings/decky-game-settings/lib/tasks"
)

const stopTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the plugin protocol (default)",
		Long: `Serve the plugin protocol on stdin/stdout, or on a unix socket with
--transport unix. Logs go to stderr and the host's plugin log directory.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Host.LogDir)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.App.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.App.MetricsAddr, m, log)
		if _, err := srv.Start(); err != nil {
			logger.Error(log, "metrics server failed to start", err)
		} else {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = srv.Stop(stopCtx)
			}()
		}
	}

	p, err := newPlugin(cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := p.Scheduler().Stop(stopCtx); err != nil {
			log.Warn("background tasks did not stop", zap.Error(err))
		}
	}()

	module, closeModule, err := newModule(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeModule()
	p.Register(module)

	log.Info("backend serving",
		zap.String("transport", cfg.Transport.Mode),
		zap.String("codec", module.Codec().Name()),
		zap.Strings("methods", module.Methods()))

	err = module.Listen(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("backend interrupted")
		return nil
	}
	if err != nil {
		logger.Error(log, "listen loop failed", err)
		return err
	}
	log.Info("backend stopped")
	return nil
}

// newPlugin wires the backend's collaborators from cfg.
func newPlugin(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*backend.Plugin, error) {
	uploader, err := assets.NewUploader(assets.Config{
		Endpoint:  cfg.Upload.Endpoint,
		Timeout:   cfg.Upload.Timeout,
		Insecure:  cfg.Upload.Insecure,
		MaxBytes:  cfg.Upload.MaxBytes,
		BatchSize: cfg.Upload.BatchSize,
	}, log)
	if err != nil {
		return nil, err
	}

	migrator := migrate.New(migrate.Paths{
		HostHome:    cfg.Host.Home,
		UserHome:    cfg.Host.UserHome,
		SettingsDir: cfg.Host.SettingsDir,
		RuntimeDir:  cfg.Host.RuntimeDir,
		LogDir:      cfg.Host.LogDir,
	}, cfg.App.LegacyName, log.Named("migrate"))

	return backend.New(backend.Options{
		Uploader:   uploader,
		Inspector:  hardware.Inspector{},
		Migrator:   migrator,
		Scheduler:  tasks.NewScheduler(log.Named("tasks")),
		Metrics:    m,
		Logger:     log.Named("backend"),
		TimerDelay: cfg.App.TimerDelay,
	}), nil
}

func newModule(ctx context.Context, cfg *config.Config, log *zap.Logger) (*plugin.Module, func(), error) {
	codec, err := plugin.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return nil, nil, err
	}
	opts := &plugin.ModuleOptions{
		Logger:         log,
		Codec:          codec,
		MaxMessageSize: cfg.Transport.MaxMessageBytes,
	}

	if cfg.Transport.Mode != config.TransportUnix {
		return plugin.NewWithOptions(os.Stdin, os.Stdout, opts), func() {}, nil
	}

	provider := plugin.NewUnixSocketProvider(cfg.Transport.Socket, false)
	module, err := plugin.NewFromProvider(ctx, provider, opts)
	if err != nil {
		_ = provider.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", provider.SocketPath(), err)
	}
	return module, func() { _ = provider.Close() }, nil
}
