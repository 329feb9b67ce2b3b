// Package backend implements the Deck Settings plugin methods and lifecycle
// hooks served to the host.
package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/hardware"
	"github.com/DeckSettings/decky-game-settings/lib/images"
	"github.com/DeckSettings/decky-game-settings/lib/logger"
	"github.com/DeckSettings/decky-game-settings/lib/metrics"
	"github.com/DeckSettings/decky-game-settings/lib/migrate"
	"github.com/DeckSettings/decky-game-settings/lib/tasks"
)

const (
	// DefaultTimerDelay is how long start_timer waits before emitting.
	DefaultTimerDelay = 15 * time.Second

	// TimerEvent is the event emitted by start_timer.
	TimerEvent = "timer_event"

	unloadTimeout = 5 * time.Second
)

var errNoEmitter = errors.New("no event channel attached")

// Uploader sends local images to the asset host.
type Uploader interface {
	Upload(ctx context.Context, paths []string, token string) ([]string, error)
}

// Emitter pushes events to the frontend.
type Emitter interface {
	Emit(ctx context.Context, event string, values ...any) error
}

// Options are the collaborators of a Plugin. A nil Logger or Scheduler gets
// a default. Without an Uploader upload_images fails, and without a Migrator
// _migration does nothing.
type Options struct {
	Uploader  Uploader
	Inspector hardware.Inspector
	Migrator  *migrate.Migrator
	Scheduler *tasks.Scheduler
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// TimerDelay overrides DefaultTimerDelay when positive.
	TimerDelay time.Duration
}

// Plugin implements the remote-callable methods and lifecycle hooks.
type Plugin struct {
	uploader   Uploader
	inspector  hardware.Inspector
	migrator   *migrate.Migrator
	scheduler  *tasks.Scheduler
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timerDelay time.Duration

	emitter atomic.Pointer[Emitter]
	started atomic.Bool
}

// New creates a Plugin from opts.
func New(opts Options) *Plugin {
	p := &Plugin{
		uploader:   opts.Uploader,
		inspector:  opts.Inspector,
		migrator:   opts.Migrator,
		scheduler:  opts.Scheduler,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		timerDelay: opts.TimerDelay,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.scheduler == nil {
		p.scheduler = tasks.NewScheduler(p.logger.Named("tasks"))
	}
	if p.timerDelay <= 0 {
		p.timerDelay = DefaultTimerDelay
	}
	return p
}

// SetEmitter sets where events go.
func (p *Plugin) SetEmitter(e Emitter) {
	p.emitter.Store(&e)
}

// Started reports whether _main has run.
func (p *Plugin) Started() bool {
	return p.started.Load()
}

// Scheduler returns the scheduler background work runs on.
func (p *Plugin) Scheduler() *tasks.Scheduler {
	return p.scheduler
}

// Add returns left + right.
func (p *Plugin) Add(_ context.Context, left, right int) (int, error) {
	return left + right, nil
}

// UploadImages uploads the images at paths and returns their remote URLs.
func (p *Plugin) UploadImages(ctx context.Context, paths []string, token string) ([]string, error) {
	if p.uploader == nil {
		return nil, errors.New("uploader not configured")
	}

	urls, err := p.uploader.Upload(ctx, paths, token)
	if err != nil {
		logger.Error(p.logger, "upload_images failed", err, zap.Int("paths", len(paths)))
		if p.metrics != nil {
			p.metrics.UploadFailures.WithLabelValues(errorCode(err)).Inc()
		}
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.UploadedImages.Add(float64(len(urls)))
	}
	return urls, nil
}

// GetImageAsBase64 returns the image at path as a data URL, or "" when it
// cannot be read.
func (p *Plugin) GetImageAsBase64(_ context.Context, path string) (string, error) {
	return p.loadImage(path), nil
}

// GetImagesAsBase64 maps GetImageAsBase64 over paths.
func (p *Plugin) GetImagesAsBase64(_ context.Context, paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = p.loadImage(path)
	}
	return out, nil
}

func (p *Plugin) loadImage(path string) string {
	url, err := images.Load(path)
	if err != nil {
		p.logger.Warn("get_image_as_base64 failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return url
}

// GetSysVendor returns the DMI system vendor, or "" when it cannot be read.
func (p *Plugin) GetSysVendor(context.Context) (string, error) {
	vendor, err := p.inspector.SysVendor()
	if err != nil {
		p.logger.Warn("get_sys_vendor failed", zap.Error(err))
		return "", nil
	}
	return vendor, nil
}

// IsEMMCStorage reports whether system storage is eMMC. Any failure reads as
// false.
func (p *Plugin) IsEMMCStorage(context.Context) (bool, error) {
	emmc, err := p.inspector.IsEMMC()
	if err != nil {
		p.logger.Warn("is_emmc_storage failed", zap.Error(err))
		return false, nil
	}
	return emmc, nil
}

// StartTimer schedules the timer_event emission and returns immediately.
func (p *Plugin) StartTimer(context.Context) (any, error) {
	err := p.scheduler.After("timer", p.timerDelay, func(ctx context.Context) {
		if err := p.emit(ctx, TimerEvent, "Hello from the backend!", true, 2); err != nil {
			p.logger.Warn("failed to emit timer event", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ScheduledTasks.Inc()
	}
	return nil, nil
}

func (p *Plugin) emit(ctx context.Context, event string, values ...any) error {
	e := p.emitter.Load()
	if e == nil {
		return errNoEmitter
	}
	if err := (*e).Emit(ctx, event, values...); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.Events.WithLabelValues(event).Inc()
	}
	return nil
}

func errorCode(err error) string {
	if code, ok := codeOf(err); ok {
		return code
	}
	return "unknown"
}
