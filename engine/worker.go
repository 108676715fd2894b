package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrIncomplete is returned by Run when the context ends while dataflows
// still hold capabilities.
var ErrIncomplete = errors.New("engine: dataflow incomplete")

type scheduled interface {
	Name() string
	step() (bool, error)
}

// Worker schedules the scopes built on it, one at a time, on the calling
// goroutine.
type Worker struct {
	logger *slog.Logger
	scopes []scheduled
	err    error
}

type WorkerOption func(*Worker)

func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) add(s scheduled) {
	w.scopes = append(w.scopes, s)
}

// Step runs every live scope once and reports whether any still has work.
// Completed scopes are retired. The first operator error stops the worker
// and is returned from every later call.
func (w *Worker) Step() (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	live := w.scopes[:0]
	for _, s := range w.scopes {
		active, err := s.step()
		if err != nil {
			w.err = fmt.Errorf("scope %s: %w", s.Name(), err)
			w.logger.Error("dataflow failed", "scope", s.Name(), "err", err)
			return false, w.err
		}
		if !active {
			w.logger.Info("dataflow complete", "scope", s.Name())
			continue
		}
		live = append(live, s)
	}
	clear(w.scopes[len(live):])
	w.scopes = live
	return len(w.scopes) > 0, nil
}

// Run steps until every scope completes or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		active, err := w.Step()
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrIncomplete, ctx.Err())
		default:
		}
		runtime.Gosched()
	}
}

// Active reports whether any scope is still scheduled.
func (w *Worker) Active() bool {
	return len(w.scopes) > 0
}
