package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// Codec encodes values of one type inside an event frame.
//
// Consume decodes a value from the front of src and reports how many bytes it
// used. Values must never alias src: the caller may reuse the buffer.
type Codec[V any] interface {
	Append(dst []byte, v V) ([]byte, error)
	Consume(src []byte) (V, int, error)
}

// Uint64 encodes as a protobuf varint.
type Uint64 struct{}

func (Uint64) Append(dst []byte, v uint64) ([]byte, error) {
	return protowire.AppendVarint(dst, v), nil
}

func (Uint64) Consume(src []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Int64 encodes as a zigzag varint.
type Int64 struct{}

func (Int64) Append(dst []byte, v int64) ([]byte, error) {
	return protowire.AppendVarint(dst, protowire.EncodeZigZag(v)), nil
}

func (Int64) Consume(src []byte) (int64, int, error) {
	v, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return protowire.DecodeZigZag(v), n, nil
}

// Int is Int64 for the platform int type.
type Int struct{}

func (Int) Append(dst []byte, v int) ([]byte, error) {
	return Int64{}.Append(dst, int64(v))
}

func (Int) Consume(src []byte) (int, int, error) {
	v, n, err := Int64{}.Consume(src)
	if err != nil {
		return 0, 0, err
	}
	if v < math.MinInt || v > math.MaxInt {
		return 0, 0, fmt.Errorf("int %d out of range", v)
	}
	return int(v), n, nil
}

// Float64 encodes as a little-endian fixed64.
type Float64 struct{}

func (Float64) Append(dst []byte, v float64) ([]byte, error) {
	return protowire.AppendFixed64(dst, math.Float64bits(v)), nil
}

func (Float64) Consume(src []byte) (float64, int, error) {
	v, n := protowire.ConsumeFixed64(src)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

// String encodes as a length-prefixed byte string.
type String struct{}

func (String) Append(dst []byte, v string) ([]byte, error) {
	return protowire.AppendString(dst, v), nil
}

func (String) Consume(src []byte) (string, int, error) {
	v, n := protowire.ConsumeString(src)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Bytes encodes as a length-prefixed byte string and copies on decode.
type Bytes struct{}

func (Bytes) Append(dst []byte, v []byte) ([]byte, error) {
	return protowire.AppendBytes(dst, v), nil
}

func (Bytes) Consume(src []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(src)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return append([]byte(nil), v...), n, nil
}

// Proto encodes protobuf messages, length-prefixed, with deterministic
// marshalling so that equal messages produce equal frames.
type Proto[M proto.Message] struct {
	New func() M
}

func NewProto[M proto.Message](newFn func() M) Proto[M] {
	return Proto[M]{New: newFn}
}

func (p Proto[M]) Append(dst []byte, v M) ([]byte, error) {
	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(v)
	if err != nil {
		return dst, fmt.Errorf("marshal %T: %w", v, err)
	}
	return protowire.AppendBytes(dst, body), nil
}

func (p Proto[M]) Consume(src []byte) (M, int, error) {
	var zero M
	body, n := protowire.ConsumeBytes(src)
	if n < 0 {
		return zero, 0, protowire.ParseError(n)
	}
	m := p.New()
	if err := proto.Unmarshal(body, m); err != nil {
		return zero, 0, fmt.Errorf("unmarshal %T: %w", m, err)
	}
	return m, n, nil
}
