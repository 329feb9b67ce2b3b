package plugin

import (
	"context"
	"encoding/json"
)

// AnyMessage registers a handler for every notification without a dedicated handler.
const AnyMessage = "*"

// HandleMessage sets the handler for notifications called name, replacing
// any earlier one. A nil handler removes it.
func (l *Loader) HandleMessage(name string, handler MessageHandler) {
	l.handlerMutex.Lock()
	defer l.handlerMutex.Unlock()
	if handler == nil {
		delete(l.messageHandlers, name)
		return
	}
	l.messageHandlers[name] = handler
}

// OnEvent registers fn for the named event with its payload decoded into a
// positional list. Use AnyMessage to receive every event.
func (l *Loader) OnEvent(name string, fn func(ctx context.Context, event string, values []json.RawMessage) error) {
	l.HandleMessage(name, MessageHandlerFunc(func(ctx context.Context, header Header) error {
		values, err := l.codec.DecodeList(header.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, header.Name, values)
	}))
}

func (l *Loader) handlerFor(name string) (MessageHandler, bool) {
	l.handlerMutex.RLock()
	defer l.handlerMutex.RUnlock()
	if h, ok := l.messageHandlers[name]; ok {
		return h, true
	}
	h, ok := l.messageHandlers[AnyMessage]
	return h, ok
}
