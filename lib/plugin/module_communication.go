package plugin

import (
	"context"
	"fmt"
)

// SendReady tells the loader the module accepts requests.
func (m *Module) SendReady(ctx context.Context) error {
	return writeHeader(ctx, m.multiplexer, 0, Header{
		Name:        NameReady,
		MessageType: MessageTypeAck,
		Payload:     []byte(NameReady),
	})
}

// SendMessage pushes a notification; the loader does not reply.
func (m *Module) SendMessage(ctx context.Context, name string, payload []byte) error {
	return writeHeader(ctx, m.multiplexer, 0, Header{Name: name, MessageType: MessageTypeNotify, Payload: payload})
}

// Emit pushes the named event with its positional values to the loader.
func (m *Module) Emit(ctx context.Context, event string, values ...any) error {
	payload, err := m.codec.EncodeList(values)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event, err)
	}
	return m.SendMessage(ctx, event, payload)
}
