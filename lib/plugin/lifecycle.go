package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// DefaultCloseTimeout bounds each wait during Close.
const DefaultCloseTimeout = 5 * time.Second

// NewLoader creates a new Loader instance with the specified path, name, and version.
func NewLoader(path, name, version string) *Loader {
	return NewLoaderWithOptions(path, name, version, nil)
}

// NewLoaderWithOptions creates a Loader with explicit options. A nil opts uses DefaultLoaderOptions.
func NewLoaderWithOptions(path, name, version string, opts *LoaderOptions) *Loader {
	if opts == nil {
		opts = DefaultLoaderOptions()
	}
	if opts.Provider == nil {
		opts.Provider = &StdioProvider{}
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{
		Path:             path,
		Name:             name,
		Version:          version,
		options:          opts,
		logger:           logger.Named("loader").With(zap.String("plugin", name)),
		codec:            opts.Codec,
		provider:         opts.Provider,
		pendingRequests:  make(map[uint32]chan Header),
		readerDone:       make(chan struct{}),
		readySignal:      make(chan struct{}, 1),
		shutdownAck:      make(chan struct{}, 1),
		forceShutdownAck: make(chan struct{}, 1),
		messageHandlers:  make(map[string]MessageHandler),
	}
}

// Codec returns the codec used to encode call arguments and decode results.
func (l *Loader) Codec() Codec {
	return l.codec
}

// Load opens the channel through the configured provider (forking the
// backend by default) and waits for its ready signal.
func (l *Loader) Load(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}

	reader, writer, err := l.provider.CreateChannel(ctx, l.Path)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := l.Attach(ctx, reader, writer); err != nil {
		l.provider.Close()
		return err
	}
	return nil
}

// Attach runs the loader over an already connected reader and writer and
// waits for the module's ready signal.
func (l *Loader) Attach(ctx context.Context, reader io.Reader, writer io.Writer) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	if l.multiplexer != nil {
		return fmt.Errorf("loader already attached")
	}

	l.multiplexer = multiplexer.NewWithConfig(reader, writer, multiplexer.Config{
		MaxMessageSize: l.options.MaxMessageSize,
	})

	// The load context outlives ctx, which only bounds the handshake.
	l.loadCtx, l.cancelLoad = context.WithCancel(context.WithoutCancel(ctx))

	recv, err := l.multiplexer.ReadMessage(l.loadCtx)
	if err != nil {
		l.cancelLoad()
		return fmt.Errorf("failed to start reader: %w", err)
	}

	if owner, ok := l.provider.(processOwner); ok {
		l.wg.Add(1)
		go l.monitorProcess(owner.Exited())
	}

	l.wg.Add(1)
	go l.handleMessages(recv)

	if err := l.waitForReadySignal(ctx); err != nil {
		l.cancelLoad()
		return err
	}

	l.logger.Debug("plugin ready")
	return nil
}

// Close shuts down the loader gracefully: the module is asked to finish its
// in-flight requests, then the channel and process are released.
func (l *Loader) Close() error {
	return l.close(NameShutdown, l.shutdownAck, true)
}

// ForceClose forcibly shuts down the loader without waiting for in-flight requests.
func (l *Loader) ForceClose() error {
	return l.close(NameForceShutdown, l.forceShutdownAck, false)
}

func (l *Loader) close(name string, ack <-chan struct{}, graceful bool) error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLoaderClosed
	}

	timeout := DefaultCloseTimeout
	if !graceful {
		timeout = 500 * time.Millisecond
	}

	if l.multiplexer != nil && !l.processExited.Load() {
		if err := l.sendControl(name, timeout); err != nil {
			l.logger.Debug("failed to send shutdown signal", zap.String("signal", name), zap.Error(err))
		} else {
			select {
			case <-ack:
			case <-l.readerDone:
			case <-time.After(timeout):
				l.logger.Warn("shutdown acknowledgment timed out", zap.String("signal", name))
			}

			if graceful {
				if owner, ok := l.provider.(processOwner); ok {
					if exited := owner.Exited(); exited != nil {
						select {
						case <-exited:
						case <-time.After(timeout):
							l.logger.Warn("plugin did not exit after graceful shutdown")
						}
					}
				}
			}
		}
	}

	if l.cancelLoad != nil {
		l.cancelLoad()
	}

	var errs []error
	if err := l.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close provider: %w", err))
	}
	if l.multiplexer != nil {
		if err := l.multiplexer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Debug("close timed out waiting for loader goroutines")
	}

	return errors.Join(errs...)
}

func (l *Loader) sendControl(name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return writeHeader(ctx, l.multiplexer, l.notifyID(), Header{
		Name:        name,
		MessageType: MessageTypeRequest,
		Payload:     []byte(name),
	})
}

// monitorProcess marks the loader closed once the plugin process exits.
func (l *Loader) monitorProcess(exited <-chan struct{}) {
	defer l.wg.Done()

	if exited == nil {
		return
	}

	select {
	case <-exited:
	case <-l.loadCtx.Done():
		return
	}

	l.processExited.Store(true)
	l.logger.Debug("plugin process exited")
	if l.closed.CompareAndSwap(false, true) {
		l.cancelLoad()
		l.provider.Close()
	}
}

// IsProcessAlive reports whether the backend is still running and the
// loader has not been closed.
func (l *Loader) IsProcessAlive() bool {
	return !l.processExited.Load() && !l.closed.Load()
}
