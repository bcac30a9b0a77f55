package codec

import "google.golang.org/protobuf/proto"

// Protobuf persists query data that is already a generated message,
// e.g. Client[*pb.Event]. Encoding is deterministic; unknown fields from a
// newer schema are dropped on decode.
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf takes the constructor of an empty message, e.g.
// func() *pb.Event { return &pb.Event{} }.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (Protobuf[T]) Name() string { return "protobuf" }

func (Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(b, m)
	return m, err
}
