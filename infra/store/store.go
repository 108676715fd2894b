// Package store is a durable event log on pebble. Each capture session is a
// key range ordered by sequence number, so any number of cursors can replay
// it after a restart.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/pebble"

	"capflow/infra/logging"
	"capflow/infra/metrics"
)

const backendLabel = "pebble"

var (
	ErrSealed         = errors.New("store: session is sealed")
	ErrInvalidSession = errors.New("store: invalid session name")
)

// ValidateSession rejects names that would escape their key range: '/'
// separates key segments and '~' bounds a session's sequence keys.
func ValidateSession(session string) error {
	if session == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if i := strings.IndexAny(session, "/~"); i >= 0 {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidSession, session, session[i])
	}
	return nil
}

type Options struct {
	Dir string
	// Sync makes every Push durable before it returns.
	Sync    bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DB is an open pebble database shared by any number of session logs.
type DB struct {
	db      *pebble.DB
	write   *pebble.WriteOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func Open(opts Options) (*DB, error) {
	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Dir, err)
	}
	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	return &DB{
		db:      db,
		write:   write,
		logger:  logging.OrDefault(opts.Logger).With("dir", opts.Dir),
		metrics: opts.Metrics,
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// -------------------- Keys --------------------

func sessionPrefix(session string) []byte {
	return []byte("capture/" + session + "/")
}

// sessionUpper sorts after every sequence key of session.
func sessionUpper(session string) []byte {
	return []byte("capture/" + session + "/~")
}

func keyFor(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("capture/%s/%020d", session, seq))
}

func sealKey(session string) []byte {
	return []byte("sealed/" + session)
}

func parseKey(session string, key []byte) (uint64, error) {
	prefix := sessionPrefix(session)
	if len(key) <= len(prefix) {
		return 0, fmt.Errorf("store: bad key %q", key)
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &seq); err != nil {
		return 0, fmt.Errorf("store: bad key %q: %w", key, err)
	}
	return seq, nil
}

// lastSeq returns the highest sequence stored for session, or 0.
func (d *DB) lastSeq(session string) (uint64, error) {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix(session),
		UpperBound: sessionUpper(session),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(session, iter.Key())
}

func (d *DB) sealed(session string) (bool, error) {
	_, closer, err := d.db.Get(sealKey(session))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}
