package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/metrics"
)

type ev = event.Event[uint64, string]

func newCodec() *codec.EventCodec[uint64, string] {
	return codec.NewEventCodec[uint64, string](codec.Uint64{}, codec.String{})
}

func session() []ev {
	return []ev{
		event.Progress[uint64, string]([]progress.Update[uint64]{{Time: 0, Delta: 1}}),
		event.Messages[uint64](0, []string{"a", "b"}),
		event.Messages[uint64](0, []string{"c"}),
		event.Progress[uint64, string]([]progress.Update[uint64]{{Time: 0, Delta: -1}}),
	}
}

func openDB(t *testing.T, dir string, m *metrics.Metrics) *DB {
	t.Helper()
	db, err := Open(Options{Dir: dir, Sync: true, Metrics: m})
	require.NoError(t, err)
	return db
}

func readAll(t *testing.T, c *Cursor[uint64, string]) []ev {
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

func TestLog_PushAndCursor(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	db := openDB(t, t.TempDir(), m)
	defer db.Close()

	l, err := NewLog(db, "s1", newCodec())
	require.NoError(t, err)
	c := l.Cursor()
	for _, e := range session() {
		require.NoError(t, l.Push(e))
	}
	assert.Equal(t, uint64(4), l.Last())

	assert.Equal(t, session(), readAll(t, c))
	assert.Equal(t, uint64(4), c.Position())
	assert.False(t, c.Done(), "not sealed yet")

	require.NoError(t, l.Close())
	assert.True(t, c.Done())
	assert.ErrorIs(t, l.Push(session()[0]), ErrSealed)

	assert.Greater(t, testutil.ToFloat64(m.BytesWritten.WithLabelValues(backendLabel)), 0.0)
	assert.Equal(t,
		testutil.ToFloat64(m.BytesWritten.WithLabelValues(backendLabel)),
		testutil.ToFloat64(m.BytesRead.WithLabelValues(backendLabel)))
}

func TestLog_SessionsAreIsolated(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	defer db.Close()

	a, err := NewLog(db, "a", newCodec())
	require.NoError(t, err)
	b, err := NewLog(db, "ab", newCodec())
	require.NoError(t, err)

	require.NoError(t, a.Push(session()[1]))
	require.NoError(t, b.Push(session()[2]))
	require.NoError(t, b.Push(session()[2]))

	assert.Equal(t, []ev{session()[1]}, readAll(t, a.Cursor()))
	assert.Len(t, readAll(t, b.Cursor()), 2)
}

func TestLog_RecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, nil)
	l, err := NewLog(db, "s", newCodec())
	require.NoError(t, err)
	for _, e := range session()[:2] {
		require.NoError(t, l.Push(e))
	}
	require.NoError(t, db.Close())

	db = openDB(t, dir, nil)
	defer db.Close()
	l, err = NewLog(db, "s", newCodec())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Last())

	c := l.CursorAfter(1)
	for _, e := range session()[2:] {
		require.NoError(t, l.Push(e))
	}
	require.NoError(t, l.Close())
	assert.Equal(t, session()[1:], readAll(t, c))
	assert.True(t, c.Done())

	l, err = NewLog(db, "s", newCodec())
	require.NoError(t, err)
	assert.ErrorIs(t, l.Push(session()[0]), ErrSealed, "seal survives reopen")
}

func TestLog_TruncateBefore(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	defer db.Close()
	l, err := NewLog(db, "s", newCodec())
	require.NoError(t, err)
	for _, e := range session() {
		require.NoError(t, l.Push(e))
	}

	require.NoError(t, l.TruncateBefore(3))
	c := l.Cursor()
	assert.Equal(t, session()[2:], readAll(t, c))
	assert.Equal(t, uint64(4), c.Position())
}

func TestCursor_CorruptEntry(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	db := openDB(t, t.TempDir(), m)
	defer db.Close()
	l, err := NewLog(db, "s", newCodec())
	require.NoError(t, err)
	require.NoError(t, db.db.Set(keyFor("s", 1), []byte{1, 2, 3}, nil))

	_, ok, err := l.Cursor().Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, codec.ErrMalformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues(backendLabel)))
}

func TestLog_RejectsSessionsOutsideTheirKeyRange(t *testing.T) {
	db := openDB(t, t.TempDir(), nil)
	defer db.Close()

	for _, name := range []string{"", "a/b", "a~", "~"} {
		_, err := NewLog(db, name, newCodec())
		assert.ErrorIs(t, err, ErrInvalidSession, "session %q", name)
	}

	_, err := NewLog(db, "orders-2024.v1", newCodec())
	assert.NoError(t, err)
}
