// Package serializer defines the per-message codec contract application
// code plugs into the publisher and subscriber engines: a Serializer and
// a Deserializer, kept as two small interfaces rather than one type
// handling both directions.
package serializer

import (
	"github.com/jabolina/mybus/headers"
)

// SerializationError is returned by a Serializer that rejects a value.
type SerializationError struct {
	Message string
}

func (e *SerializationError) Error() string { return "serializer: " + e.Message }

// CanNotDeserializeMessage is returned by a Deserializer that rejects the
// bytes/headers it was handed.
type CanNotDeserializeMessage struct {
	Message string
}

func (e *CanNotDeserializeMessage) Error() string { return "serializer: cannot deserialize: " + e.Message }

// Serializer turns an application value into wire bytes plus the headers
// that should accompany it, optionally adding to the caller-supplied
// headers (e.g. telemetry) — mirrors the Rust source's "serializer may
// add telemetry headers" contract.
type Serializer[T any] interface {
	Serialize(value T, in *headers.Headers) (content []byte, out *headers.Headers, err error)
}

// Deserializer turns wire bytes plus headers back into an application
// value. It must be a pure function of its inputs.
type Deserializer[T any] interface {
	Deserialize(content []byte, h *headers.Headers) (T, error)
}

// SerializerFunc adapts a plain function to Serializer.
type SerializerFunc[T any] func(value T, in *headers.Headers) ([]byte, *headers.Headers, error)

func (f SerializerFunc[T]) Serialize(value T, in *headers.Headers) ([]byte, *headers.Headers, error) {
	return f(value, in)
}

// DeserializerFunc adapts a plain function to Deserializer.
type DeserializerFunc[T any] func([]byte, *headers.Headers) (T, error)

func (f DeserializerFunc[T]) Deserialize(content []byte, h *headers.Headers) (T, error) {
	return f(content, h)
}

// Bytes is the identity Serializer/Deserializer for raw []byte payloads,
// the common case when application code does its own framing.
type Bytes struct{}

func (Bytes) Serialize(value []byte, in *headers.Headers) ([]byte, *headers.Headers, error) {
	if in == nil {
		in = headers.New(0)
	}
	return value, in, nil
}

func (Bytes) Deserialize(content []byte, h *headers.Headers) ([]byte, error) {
	return content, nil
}
