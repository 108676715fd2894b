package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/engine"
	"capflow/infra/codec"
	"capflow/infra/memory"
	"capflow/infra/metrics"
	"capflow/infra/stream"
)

type ev = event.Event[uint64, uint64]

func upd(t uint64, d int64) []progress.Update[uint64] {
	return []progress.Update[uint64]{{Time: t, Delta: d}}
}

func tenRecords() []uint64 {
	out := make([]uint64, 10)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

func drainLog(t *testing.T, c *memory.Cursor[uint64, uint64]) []ev {
	t.Helper()
	var out []ev
	for {
		e, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func runWorker(t *testing.T, w *engine.Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

type record struct {
	time uint64
	data uint64
}

// replayInto replays it in a fresh worker and collects every record.
func replayInto(t *testing.T, it event.Iterator[uint64, uint64], opts ReplayOptions) ([]record, *engine.ProbeHandle[uint64]) {
	t.Helper()
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "replay")
	var got []record
	probe := engine.Inspect(Replay(s, it, opts), func(ts uint64, data []uint64) {
		for _, d := range data {
			got = append(got, record{ts, d})
		}
	})
	require.NoError(t, s.Build())
	runWorker(t, w)
	return got, probe
}

func TestCapture_TenRecordsRoundTrip(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	Capture(engine.ToStream(s, 0, tenRecords()), log, CaptureOptions{})
	require.NoError(t, s.Build())
	runWorker(t, w)

	c := log.Cursor()
	want := []ev{
		event.Progress[uint64, uint64](upd(0, 1)),
		event.Messages[uint64](0, tenRecords()),
		event.Progress[uint64, uint64](upd(0, -1)),
	}
	assert.Equal(t, want, drainLog(t, c))
	assert.True(t, c.Done(), "frontier closing seals the log")

	got, probe := replayInto(t, log.Cursor(), ReplayOptions{})
	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, record{0, uint64(i)}, r)
	}
	assert.True(t, probe.Done())
}

func TestReplay_EmptySessionCompletes(t *testing.T) {
	src := event.NewSlice(
		event.Start[uint64, uint64](),
		event.Progress[uint64, uint64](nil),
		event.Progress[uint64, uint64](nil),
	)
	got, probe := replayInto(t, src, ReplayOptions{})
	assert.Empty(t, got)
	assert.True(t, probe.Done())
}

func TestCaptureReplay_ConservesRecordsAndProgress(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	in, st := engine.NewInput[uint64, uint64](s, 0)
	Capture(st, log, CaptureOptions{})
	require.NoError(t, s.Build())

	var sent []record
	for round := uint64(0); round < 5; round++ {
		for i := uint64(0); i < 3; i++ {
			v := round*10 + i
			require.NoError(t, in.Send(v))
			sent = append(sent, record{round * 2, v})
		}
		require.NoError(t, in.AdvanceTo(round*2+2))
		_, err := w.Step()
		require.NoError(t, err)
	}
	in.Close()
	runWorker(t, w)

	// Net progress across the session is zero at every time.
	net := progress.NewChangeBatch[uint64]()
	for _, e := range drainLog(t, log.Cursor()) {
		if e.Kind == event.KindProgress {
			net.Extend(e.Updates)
		}
	}
	assert.True(t, net.IsEmpty(), "unbalanced progress: %v", net.Updates())

	got, probe := replayInto(t, log.Cursor(), ReplayOptions{})
	assert.Equal(t, sent, got)
	assert.True(t, probe.Done())
}

// tally delegates to a replay operator and sums the capability changes and
// record counts it reports to the scope.
type tally struct {
	*replayOp[uint64, uint64]
	caps     progress.ChangeBatch[uint64]
	produced progress.ChangeBatch[uint64]
}

func (t *tally) InternalSummary() ([]*progress.ChangeBatch[uint64], error) {
	caps, err := t.replayOp.InternalSummary()
	if err == nil {
		t.caps.Merge(caps[0])
	}
	return caps, err
}

func (t *tally) PullInternalProgress(consumed, internal, produced []*progress.ChangeBatch[uint64]) (bool, error) {
	done, err := t.replayOp.PullInternalProgress(consumed, internal, produced)
	t.caps.Merge(internal[0])
	t.produced.Merge(produced[0])
	return done, err
}

func TestCaptureReplay_ConservesOutstandingCapabilities(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	cw := engine.NewWorker()
	cs := engine.NewScope[uint64](cw, "capture")
	in, st := engine.NewInput[uint64, uint64](cs, 0)
	Capture(st, log, CaptureOptions{})
	require.NoError(t, cs.Build())

	rounds := []struct {
		time uint64
		data []uint64
	}{
		{0, []uint64{1, 2}},
		{3, []uint64{3}},
		{7, []uint64{4, 5, 6}},
	}
	for _, r := range rounds {
		require.NoError(t, in.AdvanceTo(r.time))
		require.NoError(t, in.Send(r.data...))
		for i := 0; i < 3; i++ {
			_, err := cw.Step()
			require.NoError(t, err)
		}
	}
	// The input stays open, so the capability at 7 is never retired.

	captured := progress.NewChangeBatch[uint64]()
	capturedRecords := progress.NewChangeBatch[uint64]()
	reports := 0
	for _, e := range drainLog(t, log.Cursor()) {
		switch e.Kind {
		case event.KindProgress:
			reports++
			captured.Extend(e.Updates)
		case event.KindMessages:
			capturedRecords.Update(e.Time, int64(len(e.Data)))
		}
	}
	require.Equal(t, []progress.Update[uint64]{{Time: 7, Delta: 1}}, captured.Updates())
	require.Equal(t, []progress.Update[uint64]{{Time: 0, Delta: 2}, {Time: 3, Delta: 1}, {Time: 7, Delta: 3}},
		capturedRecords.Updates())
	require.GreaterOrEqual(t, reports, 3, "frontier moved through 0, 3 and 7")

	rw := engine.NewWorker()
	rs := engine.NewScope[uint64](rw, "replay")
	op := newReplay[uint64, uint64](log.Cursor(), ReplayOptions{})
	tl := &tally{replayOp: op}
	var replayed progress.ChangeBatch[uint64]
	probe := engine.Inspect(op.attach(rs, tl), func(ts uint64, data []uint64) {
		replayed.Update(ts, int64(len(data)))
	})
	require.NoError(t, rs.Build())
	for i := 0; i < 5; i++ {
		_, err := rw.Step()
		require.NoError(t, err)
	}

	assert.Equal(t, captured.Updates(), tl.caps.Updates(), "capabilities held by the replay")
	assert.Equal(t, capturedRecords.Updates(), tl.produced.Updates(), "records reported as produced")
	assert.Equal(t, capturedRecords.Updates(), replayed.Updates(), "records delivered downstream")
	f, ok := probe.Frontier()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), f)
	assert.True(t, rw.Active())
}

func TestCaptureReplay_OverByteStream(t *testing.T) {
	c := codec.NewEventCodec[uint64, uint64](codec.Uint64{}, codec.Uint64{})
	var buf bytes.Buffer

	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	Capture(engine.ToStream(s, 4, tenRecords()), stream.NewWriter(&buf, c), CaptureOptions{})
	require.NoError(t, s.Build())
	runWorker(t, w)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := stream.NewReader(iotest.HalfReader(&buf), c, stream.WithChunkSize(16))
	got, probe := replayInto(t, r, ReplayOptions{Metrics: m})
	require.Len(t, got, 10)
	assert.Equal(t, record{4, 9}, got[9])
	assert.True(t, probe.Done())
	assert.Equal(t, 10.0, testutil.ToFloat64(m.RecordsReplayed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsReplayed.WithLabelValues("progress")))
}

func TestCapture_FanOutToTwoReplays(t *testing.T) {
	log := memory.NewLog[uint64, uint64]()
	head := log.Cursor()
	other := head.Clone()

	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	Capture(engine.ToStream(s, 1, []uint64{7, 8}), log, CaptureOptions{})
	require.NoError(t, s.Build())
	runWorker(t, w)

	a, _ := replayInto(t, head, ReplayOptions{})
	b, _ := replayInto(t, other, ReplayOptions{})
	assert.Equal(t, []record{{1, 7}, {1, 8}}, a)
	assert.Equal(t, a, b)
}

func TestReplay_MessagesBeforeProgress(t *testing.T) {
	src := event.NewSlice(
		event.Start[uint64, uint64](),
		event.Messages[uint64](0, []uint64{1}),
	)
	s := engine.NewScope[uint64](engine.NewWorker(), "replay")
	engine.Probe(Replay(s, src, ReplayOptions{}))
	assert.ErrorIs(t, s.Build(), ErrProtocolOrder)
}

type silent struct{ polls int }

func (s *silent) Next() (ev, bool, error) {
	s.polls++
	return ev{}, false, nil
}

func TestReplay_NegotiationTimeout(t *testing.T) {
	src := &silent{}
	s := engine.NewScope[uint64](engine.NewWorker(), "replay")
	engine.Probe(Replay(s, src, ReplayOptions{NegotiationAttempts: 3}))
	assert.ErrorIs(t, s.Build(), ErrNegotiationTimeout)
	assert.Equal(t, 3, src.polls)
}

// lateProducer has no producer attached for its first wait polls.
type lateProducer struct {
	wait  int
	polls int
	src   *event.Slice[uint64, uint64]
}

func (l *lateProducer) Awaiting() bool { return l.polls <= l.wait }

func (l *lateProducer) Next() (ev, bool, error) {
	l.polls++
	if l.polls <= l.wait {
		return ev{}, false, nil
	}
	return l.src.Next()
}

func (l *lateProducer) Done() bool { return !l.Awaiting() && l.src.Done() }

func TestReplay_WaitsForProducerWithoutCountingAttempts(t *testing.T) {
	src := &lateProducer{wait: 10, src: event.NewSlice(
		event.Progress[uint64, uint64](upd(2, 1)),
		event.Messages[uint64](2, []uint64{5}),
		event.Progress[uint64, uint64](upd(2, -1)),
	)}
	got, probe := replayInto(t, src, ReplayOptions{NegotiationAttempts: 2, NegotiationBackoff: -1})
	assert.Equal(t, []record{{2, 5}}, got)
	assert.True(t, probe.Done())
	assert.Greater(t, src.polls, 10)
}

type unattached struct{ *silent }

func (unattached) Awaiting() bool { return true }

func TestReplay_NegotiationHonoursContext(t *testing.T) {
	src := unattached{&silent{}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := engine.NewScope[uint64](engine.NewWorker(), "replay")
	engine.Probe(Replay(s, src, ReplayOptions{NegotiationAttempts: 1, Context: ctx}))
	assert.ErrorIs(t, s.Build(), context.DeadlineExceeded)
	assert.Greater(t, src.polls, 1)
}

func TestReplay_NegotiationReadError(t *testing.T) {
	c := codec.NewEventCodec[uint64, uint64](codec.Uint64{}, codec.Uint64{})
	boom := errors.New("disk on fire")
	r := stream.NewReader(iotest.ErrReader(boom), c)
	s := engine.NewScope[uint64](engine.NewWorker(), "replay")
	engine.Probe(Replay(s, r, ReplayOptions{NegotiationAttempts: 5}))
	assert.ErrorIs(t, s.Build(), boom)
}

func TestReplay_TruncatedCapture(t *testing.T) {
	src := event.NewSlice(
		event.Progress[uint64, uint64](upd(0, 1)),
		event.Messages[uint64](0, []uint64{1, 2}),
	)
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "replay")
	var got []uint64
	engine.Inspect(Replay(s, src, ReplayOptions{}), func(_ uint64, d []uint64) {
		got = append(got, d...)
	})
	require.NoError(t, s.Build())

	_, err := w.Step()
	assert.ErrorIs(t, err, ErrTruncatedCapture)
}

// endless hides the Finisher of the underlying iterator.
type endless struct{ it event.Iterator[uint64, uint64] }

func (e endless) Next() (ev, bool, error) { return e.it.Next() }

func TestReplay_UnfinishedCaptureKeepsDataflowAlive(t *testing.T) {
	src := endless{event.NewSlice(
		event.Progress[uint64, uint64](upd(0, 1)),
		event.Messages[uint64](0, []uint64{1}),
	)}
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "replay")
	probe := engine.Probe(Replay(s, src, ReplayOptions{}))
	require.NoError(t, s.Build())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Run(ctx), engine.ErrIncomplete)
	assert.False(t, probe.Done())
}

func TestReplay_NegativeCapability(t *testing.T) {
	src := event.NewSlice(
		event.Progress[uint64, uint64](upd(0, 1)),
		event.Progress[uint64, uint64](upd(0, -2)),
	)
	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "replay")
	engine.Probe(Replay(s, src, ReplayOptions{}))
	require.NoError(t, s.Build())
	_, err := w.Step()
	assert.ErrorIs(t, err, progress.ErrNegativeCapability)
}

func TestCapture_PushFailureStopsWorker(t *testing.T) {
	boom := errors.New("sink full")
	var pushed []event.Kind
	p := event.PusherFunc[uint64, uint64](func(e ev) error {
		if e.Kind == event.KindMessages {
			return boom
		}
		pushed = append(pushed, e.Kind)
		return nil
	})

	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	Capture(engine.ToStream(s, 0, []uint64{1}), p, CaptureOptions{})
	require.NoError(t, s.Build())
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []event.Kind{event.KindProgress}, pushed)
}

type closingSink struct {
	events []ev
	closes int
}

func (c *closingSink) Push(e ev) error {
	c.events = append(c.events, e)
	return nil
}

func (c *closingSink) Close() error {
	c.closes++
	return nil
}

var _ io.Closer = (*closingSink)(nil)

func TestCapture_ClosesSinkOnceWhenInputCompletes(t *testing.T) {
	sink := &closingSink{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	w := engine.NewWorker()
	s := engine.NewScope[uint64](w, "capture")
	in, st := engine.NewInput[uint64, uint64](s, 0)
	Capture(st, sink, CaptureOptions{Metrics: m})
	require.NoError(t, s.Build())

	require.NoError(t, in.Send(1, 2))
	_, err := w.Step()
	require.NoError(t, err)
	assert.Zero(t, sink.closes)

	in.Close()
	runWorker(t, w)
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsCaptured.WithLabelValues("progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsCaptured.WithLabelValues("messages")))

	kinds := make([]event.Kind, 0, len(sink.events))
	for _, e := range sink.events {
		kinds = append(kinds, e.Kind)
	}
	assert.True(t, slices.Equal(
		[]event.Kind{event.KindProgress, event.KindMessages, event.KindProgress}, kinds))
}
