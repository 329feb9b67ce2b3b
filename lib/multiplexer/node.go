package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// 1 Byte for the frame type, 4 Bytes for the frame sequence, and 4 Bytes for the data length
	MessageHeaderSize         = 9
	MessageHeaderTypeStart    = uint8(0x01) // Start of a message
	MessageHeaderTypeEnd      = uint8(0x02) // End of a message
	MessageHeaderTypeData     = uint8(0x03) // Data part of a message
	MessageHeaderTypeError    = uint8(0x04) // Local read error, never written to the wire
	MessageHeaderTypeComplete = uint8(0x05) // Complete message (all parts received)
	MessageHeaderTypeAbort    = uint8(0x06) // Abort message
)

// ErrFrame reports a stream that violates the framing rules.
var ErrFrame = errors.New("multiplexer: invalid frame")

// Message is a reassembled message, or a read error when Type is MessageHeaderTypeError.
type Message struct {
	ID   uint32
	Data []byte
	Type uint8
}

var _ Multiplexer = (*Node)(nil)

// Node is the stream implementation of Multiplexer.
type Node struct {
	reader io.Reader
	writer io.Writer
	config Config

	writerLock sync.Mutex
	readerLock sync.RWMutex

	readBuffer map[uint32]*Message

	sequence atomic.Uint32
}

// NewNode creates a node with the default configuration.
func NewNode(reader io.Reader, writer io.Writer) *Node {
	return NewNodeWithConfig(reader, writer, Config{})
}

// NewNodeWithConfig creates a node with the given configuration.
func NewNodeWithConfig(reader io.Reader, writer io.Writer, config Config) *Node {
	return &Node{
		reader:     reader,
		writer:     writer,
		config:     config.withDefaults(),
		readBuffer: make(map[uint32]*Message),
	}
}

// ReadMessage starts a goroutine that reads frames until the reader fails.
// Protocol violations are reported as error messages and reading continues;
// I/O errors other than EOF are reported once and end the loop.
func (n *Node) ReadMessage(ctx context.Context) (<-chan *Message, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	ch := make(chan *Message, 64)

	go func() {
		defer close(ch)

		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageHeaderTypeError, Data: []byte(fmt.Sprintf(format, args...))})
		}

		header := make([]byte, MessageHeaderSize)
		maxSize := n.config.MaxMessageSize

		for {
			if ctx.Err() != nil {
				return
			}

			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) {
					fail("failed to read frame header: %v", err)
				}
				return
			}

			frameType := header[0]
			frameID := uint32(header[1])<<24 | uint32(header[2])<<16 | uint32(header[3])<<8 | uint32(header[4])
			dataLength := uint32(header[5])<<24 | uint32(header[6])<<16 | uint32(header[7])<<8 | uint32(header[8])

			switch frameType {
			case MessageHeaderTypeStart:
				if int64(dataLength) > int64(maxSize) {
					if !fail("%v: message %d announces %d bytes, maximum is %d", ErrFrame, frameID, dataLength, maxSize) {
						return
					}
					continue
				}

				n.readerLock.Lock()
				_, exists := n.readBuffer[frameID]
				if !exists {
					n.readBuffer[frameID] = &Message{
						ID:   frameID,
						Type: MessageHeaderTypeStart,
						Data: make([]byte, 0, min(int(dataLength), n.config.ChunkSize*64)),
					}
				}
				n.readerLock.Unlock()

				if exists {
					if !fail("%v: frame ID %d already exists", ErrFrame, frameID) {
						return
					}
				}

			case MessageHeaderTypeData:
				if int64(dataLength) > int64(maxSize) {
					fail("%v: data frame of %d bytes exceeds maximum %d", ErrFrame, dataLength, maxSize)
					return
				}

				chunk := make([]byte, dataLength)
				if _, err := io.ReadFull(n.reader, chunk); err != nil {
					fail("failed to read frame data: %v", err)
					return
				}

				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				overflow := ok && len(m.Data)+len(chunk) > maxSize
				switch {
				case overflow:
					delete(n.readBuffer, frameID)
				case ok:
					m.Data = append(m.Data, chunk...)
				}
				n.readerLock.Unlock()

				if !ok {
					if !fail("%v: unknown frame ID: %d", ErrFrame, frameID) {
						return
					}
					continue
				}
				if overflow {
					if !fail("%v: message %d would exceed maximum size %d", ErrFrame, frameID, maxSize) {
						return
					}
				}

			case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				if ok {
					delete(n.readBuffer, frameID)
				}
				n.readerLock.Unlock()

				if !ok {
					if !fail("%v: unknown frame ID: %d", ErrFrame, frameID) {
						return
					}
					continue
				}

				if frameType == MessageHeaderTypeEnd {
					m.Type = MessageHeaderTypeComplete
				} else {
					m.Type = MessageHeaderTypeAbort
				}
				if !emit(m) {
					return
				}

			default:
				if !fail("%v: unknown message type: %d", ErrFrame, frameType) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (n *Node) write(frameType uint8, frameID uint32, length int, data []byte) error {
	if uint64(length) > 0xFFFFFFFF {
		return fmt.Errorf("data length exceeds maximum size")
	}

	frame := make([]byte, MessageHeaderSize, MessageHeaderSize+len(data))
	frame[0] = frameType
	frame[1] = byte(frameID >> 24)
	frame[2] = byte(frameID >> 16)
	frame[3] = byte(frameID >> 8)
	frame[4] = byte(frameID)
	frame[5] = byte(length >> 24)
	frame[6] = byte(length >> 16)
	frame[7] = byte(length >> 8)
	frame[8] = byte(length)
	frame = append(frame, data...)

	n.writerLock.Lock()
	defer n.writerLock.Unlock()

	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}
	if _, err := n.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence writes data as one framed message tagged with seq.
// If ctx ends midway an abort frame is written so the peer drops the partial message.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.write(MessageHeaderTypeStart, seq, len(data), nil); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	abort := func() error {
		if err := n.write(MessageHeaderTypeAbort, seq, 0, nil); err != nil {
			return fmt.Errorf("failed to write abort message: %w", err)
		}
		return ctx.Err()
	}

	for len(data) > 0 {
		if ctx.Err() != nil {
			return abort()
		}

		chunkSize := min(len(data), n.config.ChunkSize)
		if err := n.write(MessageHeaderTypeData, seq, chunkSize, data[:chunkSize]); err != nil {
			return fmt.Errorf("failed to write data chunk: %w", err)
		}
		data = data[chunkSize:]
	}

	if ctx.Err() != nil {
		return abort()
	}

	if err := n.write(MessageHeaderTypeEnd, seq, 0, nil); err != nil {
		return fmt.Errorf("failed to write end message: %w", err)
	}

	return nil
}

// WriteMessage sends a message with automatic sequence numbering.
// Sequence numbers skip zero and stay inside SequenceMask before the base is applied.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.NextSequence(), data)
}

// NextSequence reserves the next automatically assigned sequence number.
func (n *Node) NextSequence() uint32 {
	for {
		seq := n.sequence.Add(1) & SequenceMask
		if seq != 0 {
			return seq | n.config.SequenceBase
		}
	}
}

// Close cleans up resources and pending messages
func (n *Node) Close() error {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()

	clear(n.readBuffer)

	return nil
}

// GetPendingMessageCount returns the number of pending incomplete messages
func (n *Node) GetPendingMessageCount() int {
	n.readerLock.RLock()
	defer n.readerLock.RUnlock()
	return len(n.readBuffer)
}
