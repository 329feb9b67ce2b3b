package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/logger"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
)

// Host lifecycle hooks.
const (
	HookMain      = "_main"
	HookMigration = "_migration"
	HookUnload    = "_unload"
	HookUninstall = "_uninstall"
)

// Main runs when the host starts the plugin.
func (p *Plugin) Main(context.Context) (any, error) {
	p.started.Store(true)
	p.logger.Info("Hello World!")
	return nil, nil
}

// Migration moves legacy files into the host's plugin directories before
// Main runs.
func (p *Plugin) Migration(context.Context) (any, error) {
	p.logger.Info("Migrating")
	if p.migrator == nil {
		return nil, nil
	}

	moves, err := p.migrator.Run()
	if err != nil {
		logger.Error(p.logger, "migration failed", err, zap.Int("moved", len(moves)))
		return nil, err
	}
	p.logger.Info("migration finished", zap.Int("moved", len(moves)))
	return nil, nil
}

// Unload stops background work for good. Pending timers are cancelled and
// a later start_timer fails with tasks.ErrStopped.
func (p *Plugin) Unload(ctx context.Context) (any, error) {
	p.logger.Info("Goodnight World!")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unloadTimeout)
	defer cancel()
	if err := p.scheduler.Stop(ctx); err != nil {
		p.logger.Warn("background tasks did not stop in time", zap.Error(err))
	}
	p.started.Store(false)
	return nil, nil
}

// Uninstall runs after Unload when the plugin is removed.
func (p *Plugin) Uninstall(context.Context) (any, error) {
	p.logger.Info("Goodbye World!")
	return nil, nil
}

// Register installs every method and lifecycle hook on m and routes events
// through it.
func (p *Plugin) Register(m *plugin.Module) {
	codec := m.Codec()
	p.SetEmitter(m)

	handlers := map[string]plugin.Handler{
		"add":                  plugin.Handle2(codec, p.Add),
		"upload_images":        plugin.Handle2(codec, p.UploadImages),
		"get_image_as_base64":  plugin.Handle1(codec, p.GetImageAsBase64),
		"get_images_as_base64": plugin.Handle1(codec, p.GetImagesAsBase64),
		"get_sys_vendor":       plugin.Handle0(codec, p.GetSysVendor),
		"is_emmc_storage":      plugin.Handle0(codec, p.IsEMMCStorage),
		"start_timer":          plugin.Handle0(codec, p.StartTimer),

		HookMain:      plugin.Handle0(codec, p.Main),
		HookMigration: plugin.Handle0(codec, p.Migration),
		HookUnload:    plugin.Handle0(codec, p.Unload),
		HookUninstall: plugin.Handle0(codec, p.Uninstall),
	}
	for name, h := range handlers {
		plugin.RegisterHandler(m, name, p.instrument(name, h))
	}
}

func (p *Plugin) instrument(name string, h plugin.Handler) plugin.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		start := time.Now()
		out, err := h(ctx, payload)
		elapsed := time.Since(start)

		if p.metrics != nil {
			p.metrics.ObserveRequest(name, err, elapsed)
		}
		if err != nil {
			p.logger.Debug("call failed", zap.String("method", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		} else {
			p.logger.Debug("call", zap.String("method", name), zap.Duration("elapsed", elapsed))
		}
		return out, err
	}
}

func codeOf(err error) (string, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() == nil {
		return "", false
	}
	return fmt.Sprint(oopsErr.Code()), true
}
