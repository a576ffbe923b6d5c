package test

import "fmt"

// RingWriter is an io.Writer that keeps only the most recently written n
// bytes, discarding the oldest as new data arrives. Used to assert on the
// tail of verbose derivation/diagnostic output without holding onto all of
// it.
type RingWriter struct {
	buf   []byte
	limit int
	start int
	size  int
}

// NewRingWriter creates a RingWriter with the given byte capacity.
func NewRingWriter(limit int) (*RingWriter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ring writer limit must be greater than zero")
	}
	return &RingWriter{
		buf:   make([]byte, limit),
		limit: limit,
	}, nil
}

// Write implements io.Writer.
func (r *RingWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		idx := (r.start + r.size) % r.limit
		if r.size < r.limit {
			r.buf[idx] = b
			r.size++
		} else {
			r.buf[r.start] = b
			r.start = (r.start + 1) % r.limit
		}
	}
	return len(p), nil
}

// String returns the currently retained bytes, oldest first.
func (r *RingWriter) String() string {
	out := make([]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%r.limit]
	}
	return string(out)
}

// Reset discards all retained bytes.
func (r *RingWriter) Reset() {
	r.start = 0
	r.size = 0
}
