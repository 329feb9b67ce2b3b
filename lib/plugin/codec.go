package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec encodes call arguments, event tuples and results.
//
// Arguments and event payloads are positional lists; a result is a single
// value. Decoded list items are returned as JSON so typed adapters can
// unmarshal them into Go parameters regardless of the codec on the wire.
type Codec interface {
	Name() string
	EncodeList(values []any) ([]byte, error)
	DecodeList(data []byte) ([]json.RawMessage, error)
	EncodeValue(value any) ([]byte, error)
	DecodeValue(data []byte, out any) error
}

const (
	CodecJSON     = "json"
	CodecProtobuf = "protobuf"
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecProtobuf, "proto":
		return ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes lists as JSON arrays and values as plain JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) EncodeList(values []any) ([]byte, error) {
	if values == nil {
		values = []any{}
	}
	return json.Marshal(values)
}

func (JSONCodec) DecodeList(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode argument list: %w", err)
	}
	return items, nil
}

func (JSONCodec) EncodeValue(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec) DecodeValue(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// ProtobufCodec encodes lists as google.protobuf.ListValue and values as
// google.protobuf.Value. Go values are first normalised through JSON so any
// JSON-marshalable type is accepted.
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string { return CodecProtobuf }

func (ProtobufCodec) EncodeList(values []any) ([]byte, error) {
	generic := make([]any, 0, len(values))
	for i, v := range values {
		g, err := toGeneric(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		generic = append(generic, g)
	}

	list, err := structpb.NewList(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to build list value: %w", err)
	}
	return proto.Marshal(list)
}

func (ProtobufCodec) DecodeList(data []byte) ([]json.RawMessage, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode argument list: %w", err)
	}

	items := make([]json.RawMessage, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		raw, err := protojson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		items = append(items, raw)
	}
	return items, nil
}

func (ProtobufCodec) EncodeValue(value any) ([]byte, error) {
	g, err := toGeneric(value)
	if err != nil {
		return nil, err
	}
	v, err := structpb.NewValue(g)
	if err != nil {
		return nil, fmt.Errorf("failed to build value: %w", err)
	}
	return proto.Marshal(v)
}

func (ProtobufCodec) DecodeValue(data []byte, out any) error {
	var v structpb.Value
	if err := proto.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	if v.GetKind() == nil {
		v.Kind = &structpb.Value_NullValue{}
	}
	raw, err := protojson.Marshal(&v)
	if err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// toGeneric converts v into the map/slice/scalar shape structpb accepts.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("value is not JSON-compatible: %w", err)
	}
	return generic, nil
}
