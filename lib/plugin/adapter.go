package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler processes the raw payload of one request. A returned error is sent
// back as an error response carrying err.Error().
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ErrArguments reports a request whose argument list does not fit the method.
var ErrArguments = errors.New("invalid arguments")

func decodeArgs(codec Codec, payload []byte, want int) ([]json.RawMessage, error) {
	args, err := codec.DecodeList(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArguments, err)
	}
	if len(args) != want {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrArguments, want, len(args))
	}
	return args, nil
}

func decodeArg[T any](raw json.RawMessage, index int) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: argument %d: %v", ErrArguments, index, err)
	}
	return v, nil
}

func encodeResult[R any](codec Codec, result R, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	payload, err := codec.EncodeValue(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return payload, nil
}

// Handle0 adapts a method without arguments.
func Handle0[R any](codec Codec, fn func(ctx context.Context) (R, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		if _, err := decodeArgs(codec, payload, 0); err != nil {
			return nil, err
		}
		result, err := fn(ctx)
		return encodeResult(codec, result, err)
	}
}

// Handle1 adapts a method with one positional argument.
func Handle1[A, R any](codec Codec, fn func(ctx context.Context, a A) (R, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		args, err := decodeArgs(codec, payload, 1)
		if err != nil {
			return nil, err
		}
		a, err := decodeArg[A](args[0], 0)
		if err != nil {
			return nil, err
		}
		result, err := fn(ctx, a)
		return encodeResult(codec, result, err)
	}
}

// Handle2 adapts a method with two positional arguments.
func Handle2[A, B, R any](codec Codec, fn func(ctx context.Context, a A, b B) (R, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		args, err := decodeArgs(codec, payload, 2)
		if err != nil {
			return nil, err
		}
		a, err := decodeArg[A](args[0], 0)
		if err != nil {
			return nil, err
		}
		b, err := decodeArg[B](args[1], 1)
		if err != nil {
			return nil, err
		}
		result, err := fn(ctx, a, b)
		return encodeResult(codec, result, err)
	}
}

// LoaderAdapter calls one method of a loaded backend with typed results.
type LoaderAdapter[Resp any] struct {
	loader *Loader
	name   string
}

// NewLoaderAdapter binds name on loader.
func NewLoaderAdapter[Resp any](loader *Loader, name string) *LoaderAdapter[Resp] {
	return &LoaderAdapter[Resp]{loader: loader, name: name}
}

// Call encodes args with the loader's codec and decodes the result into Resp.
func (a *LoaderAdapter[Resp]) Call(ctx context.Context, args ...any) (Resp, error) {
	var resp Resp

	payload, err := a.loader.codec.EncodeList(args)
	if err != nil {
		return resp, fmt.Errorf("loaderadapter: failed to encode arguments for %s: %w", a.name, err)
	}

	result, err := Call(ctx, a.loader, a.name, payload)
	if err != nil {
		return resp, err
	}

	if err := a.loader.codec.DecodeValue(result, &resp); err != nil {
		return resp, fmt.Errorf("loaderadapter: failed to decode response for %s: %w", a.name, err)
	}
	return resp, nil
}
