package ctrutil

import (
	"fmt"
	"io"
)

// Reader wraps another Reader to keep track of the current offset.
type Reader struct {
	inner  io.Reader
	offset int64
	err    error
}

var _ io.Reader = &Reader{}

// NewReader wraps the given Reader, unless it is already a Reader positioned at its start.
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
// Returns ErrUnexpectedEOF if EOF is reached first.
func (r *Reader) Discard(n int64) error {
	discarded, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF && discarded > 0 {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// DiscardTo skips bytes until the given absolute offset. Going backwards is an error.
func (r *Reader) DiscardTo(offset int64) error {
	if offset < r.offset {
		return fmt.Errorf("cannot move backwards from %#x to %#x", r.offset, offset)
	}
	return r.Discard(offset - r.offset)
}
