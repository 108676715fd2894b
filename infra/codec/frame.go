package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"capflow/domain/event"
	"capflow/domain/progress"
)

// Frame layout (v1):
//
//	[payload len:4 LE][crc32c(payload):4 LE][payload]
//	payload = [version:1][kind:1][body]
//
// Progress body: uvarint n, then n × (time, zigzag delta).
// Messages body: time, uvarint n, then n × record. Start has no body.
const (
	HeaderSize = 8
	Version1   = 1

	DefaultMaxFrameSize = 64 << 20
)

var (
	// ErrIncomplete means src does not yet hold a whole frame. More input may
	// complete it.
	ErrIncomplete = errors.New("codec: incomplete frame")
	// ErrMalformed means the bytes at the front of src can never decode.
	ErrMalformed = errors.New("codec: malformed frame")
	// ErrFrameTooLarge is returned by Append when an event exceeds the limit.
	ErrFrameTooLarge = errors.New("codec: frame too large")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EventCodec encodes and decodes whole events as self-delimiting frames.
type EventCodec[T progress.Timestamp, D any] struct {
	time     Codec[T]
	data     Codec[D]
	maxFrame int
}

type Option func(*options)

type options struct {
	maxFrame int
}

// WithMaxFrameSize bounds the payload size accepted by Append and Decode.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

func NewEventCodec[T progress.Timestamp, D any](time Codec[T], data Codec[D], opts ...Option) *EventCodec[T, D] {
	o := options{maxFrame: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &EventCodec[T, D]{time: time, data: data, maxFrame: o.maxFrame}
}

// Encode returns the frame for e in a fresh buffer.
func (c *EventCodec[T, D]) Encode(e event.Event[T, D]) ([]byte, error) {
	return c.Append(nil, e)
}

// Append appends the frame for e to dst.
func (c *EventCodec[T, D]) Append(dst []byte, e event.Event[T, D]) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst = append(dst, Version1, byte(e.Kind))

	var err error
	switch e.Kind {
	case event.KindStart:
	case event.KindProgress:
		dst = protowire.AppendVarint(dst, uint64(len(e.Updates)))
		for _, u := range e.Updates {
			if dst, err = c.time.Append(dst, u.Time); err != nil {
				return dst[:start], fmt.Errorf("encode progress time: %w", err)
			}
			dst = protowire.AppendVarint(dst, protowire.EncodeZigZag(u.Delta))
		}
	case event.KindMessages:
		if dst, err = c.time.Append(dst, e.Time); err != nil {
			return dst[:start], fmt.Errorf("encode message time: %w", err)
		}
		dst = protowire.AppendVarint(dst, uint64(len(e.Data)))
		for _, d := range e.Data {
			if dst, err = c.data.Append(dst, d); err != nil {
				return dst[:start], fmt.Errorf("encode record: %w", err)
			}
		}
	default:
		return dst[:start], fmt.Errorf("encode: unknown event kind %d", e.Kind)
	}

	payload := dst[start+HeaderSize:]
	if len(payload) > c.maxFrame {
		return dst[:start], fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), c.maxFrame)
	}
	binary.LittleEndian.PutUint32(dst[start:start+4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(dst[start+4:start+8], crc(payload))
	return dst, nil
}

// Decode decodes the frame at the front of src. On success it returns the
// event and the exact number of bytes the frame occupies. Otherwise the error
// wraps ErrIncomplete or ErrMalformed.
func (c *EventCodec[T, D]) Decode(src []byte) (event.Event[T, D], int, error) {
	var zero event.Event[T, D]
	if len(src) < HeaderSize {
		return zero, 0, ErrIncomplete
	}
	size := binary.LittleEndian.Uint32(src[:4])
	if uint64(size) > uint64(c.maxFrame) {
		return zero, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformed, size, c.maxFrame)
	}
	total := HeaderSize + int(size)
	if len(src) < total {
		return zero, 0, ErrIncomplete
	}
	payload := src[HeaderSize:total]
	if want := binary.LittleEndian.Uint32(src[4:8]); crc(payload) != want {
		return zero, 0, fmt.Errorf("%w: crc mismatch", ErrMalformed)
	}
	e, err := c.decodePayload(payload)
	if err != nil {
		return zero, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e, total, nil
}

func (c *EventCodec[T, D]) decodePayload(b []byte) (event.Event[T, D], error) {
	var zero event.Event[T, D]
	if len(b) < 2 {
		return zero, errors.New("short payload")
	}
	if b[0] != Version1 {
		return zero, fmt.Errorf("unsupported version %d", b[0])
	}
	kind := event.Kind(b[1])
	b = b[2:]

	var e event.Event[T, D]
	switch kind {
	case event.KindStart:
		e = event.Start[T, D]()
	case event.KindProgress:
		n, err := consumeCount(&b)
		if err != nil {
			return zero, fmt.Errorf("progress count: %w", err)
		}
		var updates []progress.Update[T]
		if n > 0 {
			updates = make([]progress.Update[T], 0, n)
		}
		for i := 0; i < n; i++ {
			t, m, err := c.time.Consume(b)
			if err != nil {
				return zero, fmt.Errorf("progress time %d: %w", i, err)
			}
			b = b[m:]
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return zero, fmt.Errorf("progress delta %d: %w", i, protowire.ParseError(m))
			}
			b = b[m:]
			updates = append(updates, progress.Update[T]{Time: t, Delta: protowire.DecodeZigZag(v)})
		}
		e = event.Progress[T, D](updates)
	case event.KindMessages:
		t, m, err := c.time.Consume(b)
		if err != nil {
			return zero, fmt.Errorf("message time: %w", err)
		}
		b = b[m:]
		n, err := consumeCount(&b)
		if err != nil {
			return zero, fmt.Errorf("message count: %w", err)
		}
		var data []D
		if n > 0 {
			data = make([]D, 0, n)
		}
		for i := 0; i < n; i++ {
			d, m, err := c.data.Consume(b)
			if err != nil {
				return zero, fmt.Errorf("record %d: %w", i, err)
			}
			b = b[m:]
			data = append(data, d)
		}
		e = event.Messages(t, data)
	default:
		return zero, fmt.Errorf("unknown event kind %d", kind)
	}
	if len(b) != 0 {
		return zero, fmt.Errorf("%d trailing bytes", len(b))
	}
	return e, nil
}

// consumeCount reads an element count. Every element takes at least one
// byte, so a count larger than the remaining payload is rejected before any
// allocation.
func consumeCount(b *[]byte) (int, error) {
	v, m := protowire.ConsumeVarint(*b)
	if m < 0 {
		return 0, protowire.ParseError(m)
	}
	*b = (*b)[m:]
	if v > uint64(len(*b)) {
		return 0, fmt.Errorf("count %d exceeds remaining %d bytes", v, len(*b))
	}
	return int(v), nil
}

func crc(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
