package segment

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Reader reads the segments of a directory in order. It may tail a
// directory that is still being written: Read returns 0, nil when it has
// caught up with an unsealed writer and io.EOF once the writer closed and
// every byte was read.
type Reader struct {
	dir   string
	index int
	file  *os.File
}

// OpenReader starts at the oldest segment in dir.
func OpenReader(dir string) (*Reader, error) {
	idx, err := indexes(dir)
	if err != nil {
		return nil, err
	}
	r := &Reader{dir: dir}
	if len(idx) > 0 {
		r.index = idx[0]
	}
	return r, nil
}

func (r *Reader) sealed() bool {
	return exists(filepath.Join(r.dir, sealMarker))
}

// following returns the oldest segment numbered after the current one.
// Segments removed by retention are skipped.
func (r *Reader) following() (int, bool, error) {
	idx, err := indexes(r.dir)
	if err != nil {
		return 0, false, err
	}
	for _, i := range idx {
		if i > r.index {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.file == nil {
			f, err := os.Open(segmentPath(r.dir, r.index))
			if errors.Is(err, os.ErrNotExist) {
				next, ok, err := r.following()
				if err != nil {
					return 0, err
				}
				if ok {
					r.index = next
					continue
				}
				if r.sealed() {
					return 0, io.EOF
				}
				return 0, nil
			}
			if err != nil {
				return 0, err
			}
			r.file = f
		}

		n, err := r.file.Read(p)
		if n > 0 || (err != nil && !errors.Is(err, io.EOF)) {
			return n, err
		}

		// Caught up with this segment. It is final once a later segment
		// exists or the directory is sealed, but bytes may have landed
		// between the read above and that check.
		next, ok, err := r.following()
		if err != nil {
			return 0, err
		}
		sealed := !ok && r.sealed()
		if !ok && !sealed {
			return 0, nil
		}
		if n, err := r.file.Read(p); n > 0 || (err != nil && !errors.Is(err, io.EOF)) {
			return n, err
		}
		if sealed {
			return 0, io.EOF
		}
		if err := r.file.Close(); err != nil {
			return 0, err
		}
		r.file = nil
		r.index = next
	}
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
