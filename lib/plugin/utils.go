package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// nextRequestID returns a request id below ModuleSequenceBase that no
// pending call holds. The caller holds requestMutex.
func (l *Loader) nextRequestID() uint32 {
	for {
		id := l.requestID.Add(1) & multiplexer.SequenceMask
		if id == 0 {
			continue
		}
		if _, taken := l.pendingRequests[id]; !taken {
			return id
		}
	}
}

// notifyID returns a fresh id for a message that expects no response.
func (l *Loader) notifyID() uint32 {
	l.requestMutex.RLock()
	defer l.requestMutex.RUnlock()
	return l.nextRequestID()
}

// waitForReadySignal waits for the ready signal from the plugin, asking for
// it once more if the first wait times out.
func (l *Loader) waitForReadySignal(ctx context.Context) error {
	select {
	case <-l.readySignal:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for ready signal: %w", ctx.Err())
	case <-l.readerDone:
		return fmt.Errorf("plugin closed the channel before sending ready")
	case <-time.After(l.options.ReadyTimeout):
	}

	if err := l.RequestReady(); err != nil {
		return fmt.Errorf("timeout waiting for ready signal and failed to request ready: %w", err)
	}

	select {
	case <-l.readySignal:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for ready signal after request: %w", ctx.Err())
	case <-l.readerDone:
		return fmt.Errorf("plugin closed the channel before sending ready")
	case <-time.After(l.options.ReadyTimeout):
		return fmt.Errorf("timeout waiting for ready signal from plugin even after requesting")
	}
}

// RequestReady sends a request to the plugin asking it to send a ready signal
func (l *Loader) RequestReady() error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	if l.multiplexer == nil {
		return ErrNotLoaded
	}
	return l.sendControl(NameRequestReady, time.Second)
}
