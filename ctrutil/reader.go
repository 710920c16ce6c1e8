package ctrutil

import (
	"io"
)

// Reader wraps another Reader to keep track of the current offset.
type Reader struct {
	inner  io.Reader
	offset int64
	err    error
}

var _ io.Reader = &Reader{}

// NewReader wraps the given Reader, unless it is already a Reader at offset 0.
func NewReader(inner io.Reader) *Reader {
	if inner, ok := inner.(*Reader); ok && inner.offset == 0 {
		return inner
	}
	return &Reader{inner: inner}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.inner.Read(p)
	r.offset += int64(n)
	r.err = err
	return n, err
}

// Offset of the next byte to be read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Discard the next n bytes.
//
// Returns ErrUnexpectedEOF if EOF has been reached prematurely.
func (r *Reader) Discard(n int64) error {
	discarded, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF && discarded > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Align discards bytes until the offset is a multiple of align.
func (r *Reader) Align(align int64) error {
	return r.Discard(AlignUp(r.offset, align) - r.offset)
}

// ReadFull reads exactly n bytes.
func (r *Reader) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
