package stream

import (
	"time"

	"capflow/infra/metrics"
)

const (
	DefaultChunkSize = 1 << 20
	backendLabel     = "stream"
)

type Option func(*options)

type options struct {
	chunkSize   int
	readTimeout time.Duration
	metrics     *metrics.Metrics
}

func defaultOptions() options {
	return options{chunkSize: DefaultChunkSize}
}

// WithChunkSize sets how many bytes a Reader asks its source for per read.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithReadTimeout bounds each read when the source supports
// SetReadDeadline (net.Conn, os.File pipes). A timed out read counts as
// "no new bytes" instead of stalling the scheduler.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
