// Package segment stores a byte stream as a directory of size-bounded
// segment files. A Writer never splits one Write across segments, so a
// stream.Writer on top of it keeps every frame inside a single file.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	DefaultSegmentSize = 2 * 1024 * 1024
	sealMarker         = "SEALED"
)

var ErrSealed = errors.New("segment: log is sealed")

type Config struct {
	Dir         string
	SegmentSize int64
	// Retain bounds how many segments are kept, counting the one being
	// written. Older segments are removed on rotation. 0 keeps every segment.
	Retain int
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d.log", index))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// indexes returns the segment numbers present in dir in ascending order.
func indexes(dir string) ([]int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(files))
	for _, path := range files {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(path), "segment-%06d.log", &idx); err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

type segment struct {
	file   *os.File
	offset int64
}

func openSegment(dir string, index int) (*segment, error) {
	f, err := os.OpenFile(segmentPath(dir, index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{file: f, offset: st.Size()}, nil
}

func (s *segment) append(b []byte) (int, error) {
	n, err := s.file.Write(b)
	s.offset += int64(n)
	return n, err
}

func (s *segment) close() error {
	return s.file.Close()
}

// Writer appends to the newest segment and rotates once it reaches the
// configured size.
type Writer struct {
	dir      string
	segSize  int64
	retain   int
	current  *segment
	segIndex int
	closed   bool
}

// Create opens dir for appending, continuing after any existing segments.
func Create(cfg Config) (*Writer, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if exists(filepath.Join(cfg.Dir, sealMarker)) {
		return nil, ErrSealed
	}
	idx, err := indexes(cfg.Dir)
	if err != nil {
		return nil, err
	}
	start := 0
	if len(idx) > 0 {
		start = idx[len(idx)-1]
	}
	seg, err := openSegment(cfg.Dir, start)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: cfg.Dir, segSize: cfg.SegmentSize, retain: cfg.Retain, current: seg, segIndex: start}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrSealed
	}
	n, err := w.current.append(p)
	if err != nil {
		return n, err
	}
	if w.current.offset >= w.segSize {
		return n, w.rotate()
	}
	return n, nil
}

func (w *Writer) rotate() error {
	if err := w.current.close(); err != nil {
		return err
	}
	w.segIndex++
	seg, err := openSegment(w.dir, w.segIndex)
	if err != nil {
		return err
	}
	w.current = seg
	if w.retain > 0 && w.segIndex >= w.retain {
		return w.TruncateBefore(w.segIndex - w.retain + 1)
	}
	return nil
}

// Close seals the directory. Readers report EOF after the last segment.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.current.close(); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(w.dir, sealMarker))
	if err != nil {
		return err
	}
	return f.Close()
}

// TruncateBefore removes every segment numbered below index. The segment
// being written is never removed.
func (w *Writer) TruncateBefore(index int) error {
	idx, err := indexes(w.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, i := range idx {
		if i >= index || i == w.segIndex {
			continue
		}
		errs = append(errs, os.Remove(segmentPath(w.dir, i)))
	}
	return errors.Join(errs...)
}

// Segment returns the number of the segment currently written.
func (w *Writer) Segment() int {
	return w.segIndex
}
