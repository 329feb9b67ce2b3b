package plugin_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeckSettings/decky-game-settings/lib/plugin"
)

func TestHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header plugin.Header
	}{
		{
			name:   "request",
			header: plugin.Header{Name: "add", MessageType: plugin.MessageTypeRequest, Payload: []byte("[1,2]")},
		},
		{
			name:   "error response",
			header: plugin.Header{Name: "upload_images", IsError: true, MessageType: plugin.MessageTypeError, Payload: []byte("boom")},
		},
		{
			name:   "empty name and payload",
			header: plugin.Header{MessageType: plugin.MessageTypeAck, Payload: []byte{}},
		},
		{
			name:   "large payload",
			header: plugin.Header{Name: "timer_event", MessageType: plugin.MessageTypeNotify, Payload: bytes.Repeat([]byte{0xAB}, 70000)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.header.MarshalBinary()
			require.NoError(t, err)

			var decoded plugin.Header
			require.NoError(t, decoded.UnmarshalBinary(data))

			assert.Equal(t, tt.header.Name, decoded.Name)
			assert.Equal(t, tt.header.IsError, decoded.IsError)
			assert.Equal(t, tt.header.MessageType, decoded.MessageType)
			assert.True(t, bytes.Equal(tt.header.Payload, decoded.Payload))
		})
	}
}

func TestHeader_WireLayout(t *testing.T) {
	h := plugin.Header{Name: "ab", IsError: true, MessageType: plugin.MessageTypeError, Payload: []byte("xyz")}
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	expected := []byte{
		0, 0, 0, 2, 'a', 'b',
		1,
		byte(plugin.MessageTypeError),
		0, 0, 0, 3, 'x', 'y', 'z',
	}
	assert.Equal(t, expected, data)
}

func TestHeader_UnmarshalMalformed(t *testing.T) {
	valid, err := (&plugin.Header{Name: "add", MessageType: plugin.MessageTypeRequest, Payload: []byte("[]")}).MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short name length", data: []byte{0, 0}},
		{name: "name longer than input", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 'a'}},
		{name: "missing flags", data: []byte{0, 0, 0, 1, 'a'}},
		{name: "payload longer than input", data: []byte{0, 0, 0, 0, 0, 1, 0x7F, 0xFF, 0xFF, 0xFF}},
		{name: "truncated payload", data: valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h plugin.Header
			err := h.UnmarshalBinary(tt.data)
			require.ErrorIs(t, err, plugin.ErrMalformedHeader)
		})
	}
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "Request", plugin.MessageTypeRequest.String())
	assert.Equal(t, "Response", plugin.MessageTypeResponse.String())
	assert.Equal(t, "Notify", plugin.MessageTypeNotify.String())
	assert.Equal(t, "Ack", plugin.MessageTypeAck.String())
	assert.Equal(t, "Error", plugin.MessageTypeError.String())
	assert.Equal(t, "Unknown", plugin.MessageType(0x42).String())
}
