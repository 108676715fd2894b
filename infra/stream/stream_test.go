package stream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/metrics"
)

type ev = event.Event[uint64, uint64]

func newCodec() *codec.EventCodec[uint64, uint64] {
	return codec.NewEventCodec[uint64, uint64](codec.Uint64{}, codec.Uint64{})
}

func sampleEvents() []ev {
	return []ev{
		event.Progress[uint64, uint64]([]progress.Update[uint64]{{Time: 0, Delta: 1}}),
		event.Messages[uint64](0, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}),
		event.Messages[uint64](0, []uint64{10}),
		event.Progress[uint64, uint64]([]progress.Update[uint64]{{Time: 0, Delta: -1}}),
	}
}

// readAll polls r until it reports Done, failing after limit calls.
func readAll(t *testing.T, r *Reader[uint64, uint64], limit int) []ev {
	t.Helper()
	var out []ev
	for i := 0; !r.Done(); i++ {
		require.Less(t, i, limit, "reader did not finish")
		e, ok, err := r.Next()
		require.NoError(t, err)
		if ok {
			out = append(out, e)
		}
	}
	return out
}

func TestWriterReader_RoundTrip(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, newCodec())
	for _, e := range sampleEvents() {
		require.NoError(t, w.Push(e))
	}

	r := NewReader(&sink, newCodec())
	assert.Equal(t, sampleEvents(), readAll(t, r, 100))
}

func TestReader_ChunkedOneBytePerRead(t *testing.T) {
	c := newCodec()
	orig := event.Messages[uint64](5, []uint64{1, 2, 3})
	frame, err := c.Encode(orig)
	require.NoError(t, err)

	r := NewReader(iotest.OneByteReader(bytes.NewReader(frame)), c)
	for i := 0; i < len(frame); i++ {
		_, ok, err := r.Next()
		require.NoError(t, err)
		require.False(t, ok, "call %d returned an event before the frame was complete", i)
	}

	got, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orig, got)
	assert.Zero(t, r.Buffered())

	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, r.Done())
}

func TestReader_SmallChunksManyFrames(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, newCodec())
	for _, e := range sampleEvents() {
		require.NoError(t, w.Push(e))
	}

	r := NewReader(&sink, newCodec(), WithChunkSize(3))
	assert.Equal(t, sampleEvents(), readAll(t, r, 1000))
}

func TestReader_MalformedIsReported(t *testing.T) {
	c := newCodec()
	frame, err := c.Encode(event.Messages[uint64](1, []uint64{7}))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	m := metrics.New(prometheus.NewRegistry())
	r := NewReader(bytes.NewReader(frame), c, WithMetrics(m))

	// first call buffers, second call decodes and fails
	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = r.Next()
	assert.False(t, ok)
	require.ErrorIs(t, err, codec.ErrMalformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues("stream")))
	assert.Equal(t, float64(len(frame)), testutil.ToFloat64(m.BytesRead.WithLabelValues("stream")))
}

func TestReader_ReadErrorIsSurfaced(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReader(iotest.ErrReader(boom), newCodec())

	_, ok, err := r.Next()
	assert.False(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestReader_TruncatedInput(t *testing.T) {
	c := newCodec()
	frame, err := c.Encode(event.Messages[uint64](1, []uint64{7, 8, 9}))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-2]), c)
	var last error
	for i := 0; i < 5 && last == nil; i++ {
		_, _, last = r.Next()
	}
	require.ErrorIs(t, last, io.ErrUnexpectedEOF)
	assert.False(t, r.Done())
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

func TestWriter_WriteFailure(t *testing.T) {
	boom := errors.New("disk full")
	w := NewWriter(failingWriter{err: boom}, newCodec())
	err := w.Push(event.Start[uint64, uint64]())
	require.ErrorIs(t, err, boom)
}

func TestWriter_EncodeFailure(t *testing.T) {
	c := codec.NewEventCodec[uint64, uint64](codec.Uint64{}, codec.Uint64{}, codec.WithMaxFrameSize(4))
	w := NewWriter(io.Discard, c)
	err := w.Push(event.Messages[uint64](0, []uint64{1, 2, 3, 4, 5}))
	require.ErrorIs(t, err, codec.ErrFrameTooLarge)
}

func TestReader_ReadTimeoutDoesNotStall(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newCodec()
	r := NewReader(server, c, WithReadTimeout(10*time.Millisecond))
	defer r.Close()

	start := time.Now()
	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	w := NewWriter(client, c)
	done := make(chan error, 1)
	go func() { done <- w.Push(event.Messages[uint64](3, []uint64{42})) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, ok, err := r.Next()
		require.NoError(t, err)
		if ok {
			assert.Equal(t, event.Messages[uint64](3, []uint64{42}), e)
			require.NoError(t, <-done)
			return
		}
	}
	t.Fatal("event never arrived")
}
