package multiplexer_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

func readOne(t *testing.T, ch <-chan *multiplexer.Message) *multiplexer.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed before a message arrived")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestNode_WriteMessageWithSequence(t *testing.T) {
	tests := []struct {
		name string
		seq  uint32
		data []byte
	}{
		{name: "empty data", seq: 1, data: []byte{}},
		{name: "small data", seq: 2, data: []byte("hello world")},
		{name: "larger than chunk", seq: 3, data: bytes.Repeat([]byte("x"), 3*multiplexer.DefaultChunkSize+17)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, writer := io.Pipe()
			defer reader.Close()
			defer writer.Close()

			node := multiplexer.NewNode(reader, writer)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			messageCh, err := node.ReadMessage(ctx)
			require.NoError(t, err)

			errCh := make(chan error, 1)
			go func() {
				errCh <- node.WriteMessageWithSequence(ctx, tt.seq, tt.data)
			}()

			msg := readOne(t, messageCh)
			require.NoError(t, <-errCh)

			assert.Equal(t, multiplexer.MessageHeaderTypeComplete, msg.Type)
			assert.Equal(t, tt.seq, msg.ID)
			assert.Equal(t, len(tt.data), len(msg.Data))
			assert.True(t, bytes.Equal(tt.data, msg.Data))
		})
	}
}

func TestNode_WriteMessage_UsesSequenceBase(t *testing.T) {
	var buf bytes.Buffer
	node := multiplexer.NewNodeWithConfig(&buf, &buf, multiplexer.Config{SequenceBase: 1 << 31})

	require.NoError(t, node.WriteMessage(context.Background(), []byte("ready")))
	require.NoError(t, node.WriteMessage(context.Background(), []byte("event")))

	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	first := readOne(t, ch)
	second := readOne(t, ch)
	assert.Equal(t, uint32(1<<31|1), first.ID)
	assert.Equal(t, uint32(1<<31|2), second.ID)
	assert.Equal(t, "ready", string(first.Data))
	assert.Equal(t, "event", string(second.Data))
}

func TestNode_InterleavedMessages(t *testing.T) {
	var stream bytes.Buffer

	// Hand-build two interleaved messages with distinct sequences.
	frame := func(kind byte, seq uint32, data []byte) {
		hdr := []byte{kind, byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq),
			byte(len(data) >> 24), byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data))}
		stream.Write(hdr)
		if kind == multiplexer.MessageHeaderTypeData {
			stream.Write(data)
		}
	}
	frame(multiplexer.MessageHeaderTypeStart, 7, nil)
	frame(multiplexer.MessageHeaderTypeStart, 8, nil)
	frame(multiplexer.MessageHeaderTypeData, 7, []byte("ab"))
	frame(multiplexer.MessageHeaderTypeData, 8, []byte("xy"))
	frame(multiplexer.MessageHeaderTypeData, 7, []byte("cd"))
	frame(multiplexer.MessageHeaderTypeEnd, 8, nil)
	frame(multiplexer.MessageHeaderTypeEnd, 7, nil)

	node := multiplexer.NewNode(&stream, io.Discard)
	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	first := readOne(t, ch)
	second := readOne(t, ch)
	assert.Equal(t, uint32(8), first.ID)
	assert.Equal(t, "xy", string(first.Data))
	assert.Equal(t, uint32(7), second.ID)
	assert.Equal(t, "abcd", string(second.Data))

	_, ok := <-ch
	assert.False(t, ok, "channel should close at EOF")
}

func TestNode_WriteMessage_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	node := multiplexer.NewNode(&buf, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := node.WriteMessageWithSequence(ctx, 1, []byte("test data"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len(), "nothing should be written for a cancelled context")
}

func TestNode_AbortDropsPartialMessage(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{multiplexer.MessageHeaderTypeStart, 0, 0, 0, 5, 0, 0, 0, 3})
	stream.Write([]byte{multiplexer.MessageHeaderTypeData, 0, 0, 0, 5, 0, 0, 0, 3})
	stream.Write([]byte("abc"))
	stream.Write([]byte{multiplexer.MessageHeaderTypeAbort, 0, 0, 0, 5, 0, 0, 0, 0})

	node := multiplexer.NewNode(&stream, io.Discard)
	ch, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	msg := readOne(t, ch)
	assert.Equal(t, multiplexer.MessageHeaderTypeAbort, msg.Type)
	assert.Equal(t, uint32(5), msg.ID)
	assert.Zero(t, node.GetPendingMessageCount())
}

func TestNode_ReadMessage_EOF(t *testing.T) {
	reader, writer := io.Pipe()
	node := multiplexer.NewNode(reader, writer)

	messageCh, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	require.NoError(t, writer.Close())

	select {
	case msg, ok := <-messageCh:
		assert.False(t, ok, "expected channel to close, received %+v", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel to close")
	}
}

func TestNode_ReadMessage_ClosedPipeEndsLoop(t *testing.T) {
	reader, writer := io.Pipe()
	node := multiplexer.NewNode(reader, writer)

	messageCh, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	require.NoError(t, writer.CloseWithError(io.ErrClosedPipe))

	msg := readOne(t, messageCh)
	assert.Equal(t, multiplexer.MessageHeaderTypeError, msg.Type)

	_, ok := <-messageCh
	assert.False(t, ok)
}

func TestNode_InvalidMessageType(t *testing.T) {
	stream := bytes.NewReader([]byte{0xFF, 0, 0, 0, 1, 0, 0, 0, 0})
	node := multiplexer.NewNode(stream, io.Discard)

	messageCh, err := node.ReadMessage(context.Background())
	require.NoError(t, err)

	msg := readOne(t, messageCh)
	assert.Equal(t, multiplexer.MessageHeaderTypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "unknown message type")
}

func TestNode_RejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	writerNode := multiplexer.NewNode(&buf, &buf)
	require.NoError(t, writerNode.WriteMessageWithSequence(context.Background(), 1, bytes.Repeat([]byte("z"), 100)))

	readerNode := multiplexer.NewNodeWithConfig(&buf, io.Discard, multiplexer.Config{MaxMessageSize: 10})
	ch, err := readerNode.ReadMessage(context.Background())
	require.NoError(t, err)

	msg := readOne(t, ch)
	assert.Equal(t, multiplexer.MessageHeaderTypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "maximum")
}

func TestNode_ConcurrentWriters(t *testing.T) {
	reader, writer := io.Pipe()
	defer reader.Close()
	defer writer.Close()

	node := multiplexer.NewNode(reader, writer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messageCh, err := node.ReadMessage(ctx)
	require.NoError(t, err)

	const numMessages = 10
	payload := bytes.Repeat([]byte("m"), 2*multiplexer.DefaultChunkSize+1)
	for i := 0; i < numMessages; i++ {
		go func() {
			assert.NoError(t, node.WriteMessage(ctx, payload))
		}()
	}

	seen := make(map[uint32]bool)
	for len(seen) < numMessages {
		msg := readOne(t, messageCh)
		require.Equal(t, multiplexer.MessageHeaderTypeComplete, msg.Type)
		require.Equal(t, len(payload), len(msg.Data))
		seen[msg.ID] = true
	}
}
