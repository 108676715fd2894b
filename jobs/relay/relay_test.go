package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/memory"
)

type ev = event.Event[uint64, uint64]

func newCodec() *codec.EventCodec[uint64, uint64] {
	return codec.NewEventCodec[uint64, uint64](codec.Uint64{}, codec.Uint64{})
}

func sample() []ev {
	return []ev{
		event.Progress[uint64, uint64]([]progress.Update[uint64]{{Time: 0, Delta: 1}}),
		event.Messages[uint64](0, []uint64{1, 2}),
		event.Progress[uint64, uint64]([]progress.Update[uint64]{{Time: 0, Delta: -1}}),
	}
}

// frameChecker asserts the message decodes to want.
func frameChecker(t *testing.T, want ev) mocks.ValueChecker {
	return func(val []byte) error {
		got, n, err := newCodec().Decode(val)
		if err != nil {
			return err
		}
		assert.Equal(t, len(val), n)
		assert.Equal(t, want, got)
		return nil
	}
}

func TestRelay_DrainOncePublishesFrames(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	for _, e := range sample() {
		p.ExpectSendMessageWithCheckerFunctionAndSucceed(frameChecker(t, e))
	}

	r := New(event.NewSlice(sample()...), p, "captures", newCodec(), Options{Session: "s"})
	n, err := r.DrainOnce()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), r.Sent())
	require.NoError(t, r.Close())
}

func TestRelay_FailedSendIsRetried(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(frameChecker(t, sample()[1]))
	p.ExpectSendMessageAndSucceed()

	r := New(event.NewSlice(sample()...), p, "captures", newCodec(), Options{})
	n, err := r.DrainOnce()
	assert.Equal(t, 1, n)
	assert.True(t, errors.Is(err, sarama.ErrNotLeaderForPartition))

	n, err = r.DrainOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(3), r.Sent())
	require.NoError(t, p.Close())
}

func TestRelay_RunStopsWhenSourceFinished(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	cursor := log.Cursor()
	for _, e := range sample() {
		require.NoError(t, log.Push(e))
	}
	require.NoError(t, log.Close())

	p := mocks.NewSyncProducer(t, nil)
	for range sample() {
		p.ExpectSendMessageAndSucceed()
	}
	r := New(cursor, p, "captures", newCodec(), Options{Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, uint64(3), r.Sent())
	require.NoError(t, p.Close())
}

func TestRelay_TrimReleasesPublishedEntries(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	cursor := log.Cursor()
	for _, e := range sample() {
		require.NoError(t, log.Push(e))
	}
	require.Equal(t, 4, log.Retained())

	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndSucceed()

	trims := 0
	r := New(cursor, p, "captures", newCodec(), Options{Trim: func() error {
		trims++
		log.Compact()
		return nil
	}})

	_, err := r.DrainOnce()
	require.Error(t, err)
	assert.Zero(t, trims, "failed drain keeps entries")
	assert.Equal(t, 4, log.Retained())

	n, err := r.DrainOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, trims)
	assert.Equal(t, 1, log.Retained(), "only the cursor's own position is kept")

	n, err = r.DrainOnce()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, trims, "nothing published, nothing to trim")

	require.NoError(t, log.Push(sample()[0]))
	p.ExpectSendMessageAndSucceed()
	_, err = r.DrainOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, log.Retained())
	require.NoError(t, p.Close())
}

func TestRelay_TrimFailureIsReported(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	boom := errors.New("disk full")
	r := New(event.NewSlice(sample()[0]), p, "captures", newCodec(), Options{
		Trim: func() error { return boom },
	})
	n, err := r.DrainOnce()
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, p.Close())
}

func TestRelay_RunHonoursContext(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	r := New(memory.NewLog[uint64, uint64]().Cursor(), p, "captures", newCodec(), Options{Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
	require.NoError(t, p.Close())
}
