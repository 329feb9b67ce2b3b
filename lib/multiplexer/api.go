// Package multiplexer frames whole messages over a byte stream so several
// requests and notifications can be in flight on one stdio pipe pair.
//
// Every message is sent as a start frame, zero or more data frames and an
// end (or abort) frame, all tagged with the same 32-bit sequence number.
// The reader reassembles frames per sequence and delivers complete messages.
package multiplexer

import (
	"context"
	"io"
)

// Multiplexer provides a unified interface for message multiplexing
type Multiplexer interface {
	// WriteMessage sends a message with automatic sequence numbering
	WriteMessage(ctx context.Context, data []byte) error

	// WriteMessageWithSequence sends a message with a specific sequence number
	WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error

	// ReadMessage starts the read loop and returns the channel of reassembled messages.
	// The channel is closed when the underlying reader is exhausted or fails.
	ReadMessage(ctx context.Context) (<-chan *Message, error)

	// Close drops all partially received messages
	Close() error

	// GetPendingMessageCount returns the number of partially received messages
	GetPendingMessageCount() int
}

const (
	// DefaultMaxMessageSize bounds a single reassembled message.
	// Batched base64 image reads can easily exceed a few megabytes.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultChunkSize is the payload size of a single data frame.
	DefaultChunkSize = 1024

	// SequenceMask selects the counter bits of an automatically assigned sequence.
	SequenceMask = uint32(0x7FFFFFFF)
)

// Config holds configuration options for the multiplexer
type Config struct {
	// MaxMessageSize sets the maximum allowed message size (default: 64MB)
	MaxMessageSize int

	// ChunkSize sets the data frame size (default: 1KB)
	ChunkSize int

	// SequenceBase is OR'ed into every automatically assigned sequence.
	// Peers pick disjoint bases so their own messages never share an id.
	SequenceBase uint32
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	return c
}

// New creates a multiplexer with the default configuration.
func New(reader io.Reader, writer io.Writer) Multiplexer {
	return NewWithConfig(reader, writer, Config{})
}

// NewWithConfig creates a multiplexer with custom configuration
func NewWithConfig(reader io.Reader, writer io.Writer, config Config) Multiplexer {
	return NewNodeWithConfig(reader, writer, config)
}
