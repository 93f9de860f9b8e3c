package streams

import (
	"errors"
	"io"
)

// MultiStream concatenates child streams into one logical stream. Reading past
// one child's end continues with the next.
type MultiStream struct {
	Base
	children []Stream
	cur      int
}

func NewMultiStream(children ...Stream) *MultiStream {
	return &MultiStream{children: children}
}

// Add appends more children. Streams added after the sequence was exhausted
// are never read.
func (m *MultiStream) Add(children ...Stream) {
	m.children = append(m.children, children...)
}

// Size is the sum of the children's sizes, or UnknownSize if any child's size
// is unknown.
func (m *MultiStream) Size() int64 {
	var total int64
	for _, c := range m.children {
		size := c.Size()
		if size == UnknownSize {
			return UnknownSize
		}
		total += size
	}
	return total
}

func (m *MultiStream) Read(p []byte) (int, error) {
	if m.done {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && m.cur < len(m.children) {
		k, err := m.children[m.cur].Read(p[n:])
		n += k
		if err == io.EOF {
			m.cur++
			continue
		}
		if err != nil {
			return n, err
		}
	}
	var err error
	if m.cur >= len(m.children) {
		err = io.EOF
	}
	return n, m.emit(p[:n], err)
}

// Close closes every child, including ones never reached.
func (m *MultiStream) Close() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
