package plugin

import (
	"context"
	"fmt"
)

// Call sends a request to the loaded plugin and waits for a response.
// The request and response are raw payloads. If the plugin answers with an
// error response, a *CallError carrying its text is returned.
func Call(ctx context.Context, l *Loader, name string, payload []byte) ([]byte, error) {
	if err := l.usable(); err != nil {
		return nil, err
	}

	id, replies, err := l.track()
	if err != nil {
		return nil, err
	}
	defer l.untrack(id)

	request := Header{Name: name, MessageType: MessageTypeRequest, Payload: payload}
	if err := writeHeader(ctx, l.multiplexer, id, request); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", name, err)
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("%w while waiting for %s", ErrLoaderClosed, name)
		}
		if reply.IsError {
			return nil, &CallError{Method: name, Message: string(reply.Payload)}
		}
		return reply.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.loadCtx.Done():
		return nil, fmt.Errorf("%w while waiting for %s", ErrLoaderClosed, name)
	}
}

// CallArgs encodes args with the loader's codec, calls name and returns the raw result.
func CallArgs(ctx context.Context, l *Loader, name string, args ...any) ([]byte, error) {
	payload, err := l.codec.EncodeList(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments for %s: %w", name, err)
	}
	return Call(ctx, l, name, payload)
}

// SendMessage sends a notification to the module; no response is expected.
func (l *Loader) SendMessage(ctx context.Context, name string, payload []byte) error {
	if err := l.usable(); err != nil {
		return err
	}
	return writeHeader(ctx, l.multiplexer, l.notifyID(), Header{Name: name, MessageType: MessageTypeNotify, Payload: payload})
}

func (l *Loader) usable() error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	if l.multiplexer == nil {
		return ErrNotLoaded
	}
	return nil
}

// track reserves a request id and the channel its reply is routed to.
func (l *Loader) track() (uint32, <-chan Header, error) {
	l.requestMutex.Lock()
	defer l.requestMutex.Unlock()

	if l.closed.Load() || l.pendingRequests == nil {
		return 0, nil, ErrLoaderClosed
	}
	id := l.nextRequestID()
	replies := make(chan Header, 1)
	l.pendingRequests[id] = replies
	return id, replies, nil
}

func (l *Loader) untrack(id uint32) {
	l.requestMutex.Lock()
	delete(l.pendingRequests, id)
	l.requestMutex.Unlock()
}
