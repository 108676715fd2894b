package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/engine"
	"capflow/infra/logging"
	"capflow/infra/metrics"
)

const (
	DefaultNegotiationAttempts = 1000
	DefaultNegotiationBackoff  = time.Millisecond
)

var (
	// ErrProtocolOrder is returned when a session delivers records before
	// its initial progress report.
	ErrProtocolOrder = errors.New("replay: messages before initial progress")
	// ErrNegotiationTimeout is returned when no initial progress arrives
	// within the configured attempts.
	ErrNegotiationTimeout = errors.New("replay: no initial progress")
	// ErrTruncatedCapture is returned when the source is exhausted while the
	// captured stream still held capabilities.
	ErrTruncatedCapture = errors.New("replay: capture ended with capabilities outstanding")
)

type ReplayOptions struct {
	// NegotiationAttempts bounds the empty polls spent waiting for the
	// initial progress report. Polls of an event.Awaiter that is still
	// awaiting its producer are not counted.
	NegotiationAttempts int
	NegotiationBackoff  time.Duration
	// Context cancels negotiation. It defaults to context.Background.
	Context             context.Context
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

func (o ReplayOptions) withDefaults() ReplayOptions {
	if o.NegotiationAttempts <= 0 {
		o.NegotiationAttempts = DefaultNegotiationAttempts
	}
	switch {
	case o.NegotiationBackoff == 0:
		o.NegotiationBackoff = DefaultNegotiationBackoff
	case o.NegotiationBackoff < 0:
		o.NegotiationBackoff = 0
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

type replayOp[T progress.Timestamp, D any] struct {
	source  event.Iterator[T, D]
	output  *engine.Output[T, D]
	opts    ReplayOptions
	logger  *slog.Logger
	metrics *metrics.Metrics

	// held is the net capability count announced by the session so far.
	held progress.ChangeBatch[T]
}

// Replay adds an operator to s that re-creates a captured stream from it.
// The initial progress report is read while the scope is built.
func Replay[T progress.Timestamp, D any](s *engine.Scope[T], it event.Iterator[T, D], opts ReplayOptions) engine.Stream[T, D] {
	op := newReplay(it, opts)
	return op.attach(s, op)
}

func newReplay[T progress.Timestamp, D any](it event.Iterator[T, D], opts ReplayOptions) *replayOp[T, D] {
	opts = opts.withDefaults()
	return &replayOp[T, D]{
		source:  it,
		opts:    opts,
		logger:  opts.Logger.With("operator", "Replay"),
		metrics: opts.Metrics,
	}
}

// attach registers as, which is r itself or an operator delegating to it,
// and binds r's output to the new node.
func (r *replayOp[T, D]) attach(s *engine.Scope[T], as engine.Operator[T]) engine.Stream[T, D] {
	idx := s.AddOperator(as)
	out, stream := engine.NewOutput[T, D](s, idx, 0)
	r.output = out
	return stream
}

func (r *replayOp[T, D]) Name() string { return "Replay" }
func (r *replayOp[T, D]) Inputs() int  { return 0 }
func (r *replayOp[T, D]) Outputs() int { return 1 }

func (r *replayOp[T, D]) InternalSummary() ([]*progress.ChangeBatch[T], error) {
	ctx := r.opts.Context
	polls, attempts := 0, 0
	for attempts < r.opts.NegotiationAttempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("replay: negotiate: %w", err)
		}
		e, ok, err := r.source.Next()
		polls++
		if err != nil {
			return nil, fmt.Errorf("replay: negotiate: %w", err)
		}
		if !ok {
			if f, isFinisher := r.source.(event.Finisher); isFinisher && f.Done() {
				return nil, fmt.Errorf("%w: source finished", ErrNegotiationTimeout)
			}
			if !r.awaiting() {
				attempts++
			}
			if attempts < r.opts.NegotiationAttempts {
				if err := r.backoff(ctx); err != nil {
					return nil, fmt.Errorf("replay: negotiate: %w", err)
				}
			}
			continue
		}
		switch e.Kind {
		case event.KindStart:
			continue
		case event.KindMessages:
			return nil, fmt.Errorf("%w: at %v", ErrProtocolOrder, e.Time)
		}

		r.metrics.Replayed(e.Kind.String(), 0)
		r.held.Extend(e.Updates)
		if err := r.held.CheckNonNegative(); err != nil {
			return nil, fmt.Errorf("replay: initial progress: %w", err)
		}
		caps := engine.Batches[T](1)
		caps[0].Merge(&r.held)
		r.logger.Debug("negotiated", "polls", polls, "capabilities", r.held.Updates())
		return caps, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrNegotiationTimeout, r.opts.NegotiationAttempts)
}

func (r *replayOp[T, D]) awaiting() bool {
	a, ok := r.source.(event.Awaiter)
	return ok && a.Awaiting()
}

func (r *replayOp[T, D]) backoff(ctx context.Context) error {
	if r.opts.NegotiationBackoff <= 0 {
		return nil
	}
	t := time.NewTimer(r.opts.NegotiationBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *replayOp[T, D]) SetExternalSummary([]*progress.ChangeBatch[T]) error   { return nil }
func (r *replayOp[T, D]) PushExternalProgress([]*progress.ChangeBatch[T]) error { return nil }

func (r *replayOp[T, D]) PullInternalProgress(_, internal, produced []*progress.ChangeBatch[T]) (bool, error) {
	err := r.drain(internal[0])
	r.output.Cease()
	r.output.PullProgress(produced[0])
	if err != nil {
		return false, err
	}
	if f, ok := r.source.(event.Finisher); ok && f.Done() && !r.held.IsEmpty() {
		r.logger.Warn("source finished early", "outstanding", r.held.Updates())
		return false, fmt.Errorf("%w: %v", ErrTruncatedCapture, r.held.Updates())
	}
	return false, nil
}

func (r *replayOp[T, D]) drain(internal *progress.ChangeBatch[T]) error {
	for {
		e, ok, err := r.source.Next()
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if !ok {
			return nil
		}
		switch e.Kind {
		case event.KindStart:
		case event.KindProgress:
			r.held.Extend(e.Updates)
			if err := r.held.CheckNonNegative(); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			internal.Extend(e.Updates)
			r.metrics.Replayed(e.Kind.String(), 0)
		case event.KindMessages:
			r.output.Session(e.Time).GiveSlice(e.Data)
			r.metrics.Replayed(e.Kind.String(), len(e.Data))
		}
	}
}
