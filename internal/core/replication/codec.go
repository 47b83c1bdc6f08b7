package replication

import "encoding/json"

// Codec turns a component value into bytes and back.
type Codec[T any] interface {
	Marshal(value *T) ([]byte, error)
	Unmarshal(data []byte, value *T) error
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(value *T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Unmarshal(data []byte, value *T) error {
	return json.Unmarshal(data, value)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	MarshalFunc   func(value *T) ([]byte, error)
	UnmarshalFunc func(data []byte, value *T) error
}

func (c CodecFuncs[T]) Marshal(value *T) ([]byte, error) {
	return c.MarshalFunc(value)
}

func (c CodecFuncs[T]) Unmarshal(data []byte, value *T) error {
	return c.UnmarshalFunc(data, value)
}
