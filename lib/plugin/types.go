// Package plugin implements both ends of the backend protocol: the Module
// that runs inside the backend process and the Loader that starts it and
// invokes its methods.
//
// Every multiplexed message carries a Header. Requests name the method to
// run, responses and errors reuse the request's sequence number, and
// notifications carry events pushed by the backend.
package plugin

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// MessageType represents the type of message being sent
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // Request message (expects response)
	MessageTypeResponse MessageType = 0x02 // Response message (response to request)
	MessageTypeNotify   MessageType = 0x03 // Notification message (no response expected)
	MessageTypeAck      MessageType = 0x04 // Acknowledgment message
	MessageTypeError    MessageType = 0x05 // Error message
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotify:
		return "Notify"
	case MessageTypeAck:
		return "Ack"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Names of the protocol messages handled by the framework itself.
const (
	NameReady            = "ready"
	NameShutdown         = "shutdown"
	NameShutdownAck      = "shutdown_ack"
	NameForceShutdown    = "force_shutdown"
	NameForceShutdownAck = "force_shutdown_ack"
	NameRequestReady     = "request_ready"
	NameRequestReadyAck  = "request_ready_ack"
)

var (
	// ErrMalformedHeader is returned when a header cannot be decoded.
	ErrMalformedHeader = errors.New("malformed message header")
	// ErrUnknownMethod is returned for a request naming no registered handler.
	ErrUnknownMethod = errors.New("no handler registered")
	// ErrShuttingDown is returned for requests arriving during shutdown.
	ErrShuttingDown = errors.New("service unavailable: shutdown in progress")
	// ErrLoaderClosed is returned by Loader operations after Close.
	ErrLoaderClosed = errors.New("loader is closed")
	// ErrNotLoaded is returned by Loader operations before Load or Attach.
	ErrNotLoaded = errors.New("loader not loaded")
)

// Header represents the message header containing service name, error status, and payload.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

// MarshalBinary encodes the header into binary format.
func (h *Header) MarshalBinary() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.Grow(4 + len(h.Name) + 2 + 4 + len(h.Payload))

	if err := binary.Write(&buffer, binary.BigEndian, uint32(len(h.Name))); err != nil {
		return nil, fmt.Errorf("failed to write name length: %w", err)
	}
	buffer.WriteString(h.Name)

	var isErrorByte byte
	if h.IsError {
		isErrorByte = 1
	}
	buffer.WriteByte(isErrorByte)
	buffer.WriteByte(byte(h.MessageType))

	if err := binary.Write(&buffer, binary.BigEndian, uint32(len(h.Payload))); err != nil {
		return nil, fmt.Errorf("failed to write payload length: %w", err)
	}
	buffer.Write(h.Payload)

	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes the header from binary format.
// Length fields larger than the remaining input are rejected before allocating.
func (h *Header) UnmarshalBinary(data []byte) error {
	buffer := bytes.NewReader(data)

	var nameLen uint32
	if err := binary.Read(buffer, binary.BigEndian, &nameLen); err != nil {
		return fmt.Errorf("%w: failed to read name length: %v", ErrMalformedHeader, err)
	}
	if int64(nameLen) > int64(buffer.Len()) {
		return fmt.Errorf("%w: name length %d exceeds message", ErrMalformedHeader, nameLen)
	}

	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(buffer, nameBytes); err != nil {
		return fmt.Errorf("%w: failed to read name: %v", ErrMalformedHeader, err)
	}

	flags := make([]byte, 2)
	if _, err := io.ReadFull(buffer, flags); err != nil {
		return fmt.Errorf("%w: failed to read flags: %v", ErrMalformedHeader, err)
	}

	var payloadLen uint32
	if err := binary.Read(buffer, binary.BigEndian, &payloadLen); err != nil {
		return fmt.Errorf("%w: failed to read payload length: %v", ErrMalformedHeader, err)
	}
	if int64(payloadLen) > int64(buffer.Len()) {
		return fmt.Errorf("%w: payload length %d exceeds message", ErrMalformedHeader, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(buffer, payload); err != nil {
		return fmt.Errorf("%w: failed to read payload: %v", ErrMalformedHeader, err)
	}

	h.Name = string(nameBytes)
	h.IsError = flags[0] == 1
	h.MessageType = MessageType(flags[1])
	h.Payload = payload
	return nil
}

// MessageHandler handles notifications pushed by the module.
type MessageHandler interface {
	Handle(ctx context.Context, header Header) error
}

// MessageHandlerFunc is a convenience type for converting functions to MessageHandler
type MessageHandlerFunc func(ctx context.Context, header Header) error

// Handle implements MessageHandler interface
func (f MessageHandlerFunc) Handle(ctx context.Context, header Header) error {
	return f(ctx, header)
}

// writeHeader encodes h and writes it as one message under seq. A zero seq
// lets the multiplexer number the message from its own sequence space.
func writeHeader(ctx context.Context, mux multiplexer.Multiplexer, seq uint32, h Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s header: %w", h.MessageType, err)
	}
	if seq == 0 {
		return mux.WriteMessage(ctx, data)
	}
	return mux.WriteMessageWithSequence(ctx, seq, data)
}
