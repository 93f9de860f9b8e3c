package streams

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReaderStream adapts an io.Reader of optionally known length, such as a
// request body or a backend response, into a Stream.
type ReaderStream struct {
	Base
	r    io.Reader
	size int64
}

// NewReaderStream wraps r. Pass UnknownSize when the length is not known.
func NewReaderStream(r io.Reader, size int64) *ReaderStream {
	return &ReaderStream{r: r, size: size}
}

// NewByteStream returns a stream over an in-memory byte slice.
func NewByteStream(data []byte) *ReaderStream {
	return NewReaderStream(bytes.NewReader(data), int64(len(data)))
}

// NewStringStream returns a stream over s.
func NewStringStream(s string) *ReaderStream {
	return NewByteStream([]byte(s))
}

// OpenFile opens path for reading as a stream of known size.
func OpenFile(path string) (*ReaderStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return NewReaderStream(f, info.Size()), nil
}

func (s *ReaderStream) Size() int64 { return s.size }

func (s *ReaderStream) Read(p []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	n, err := fill(s.r, p)
	return n, s.emit(p[:n], err)
}

// Close releases the underlying reader if it is closable.
func (s *ReaderStream) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
