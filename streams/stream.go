// Package streams implements the pull-based byte streams the gateway moves
// between inbound requests and storage backends. A stream is read once, start
// to finish, and never buffers more than one pending chunk per source.
package streams

import (
	"errors"
	"io"
)

// UnknownSize is reported by Size when the length is not known until the
// stream is fully read.
const UnknownSize int64 = -1

// Sink receives every chunk a stream returns. Close is called once the owning
// stream reaches end-of-stream.
type Sink interface {
	io.Writer
	Close() error
}

// Stream is a single-pass, single-reader byte producer. Read fills p
// completely unless the stream ends, in which case the final short chunk is
// returned together with io.EOF. Reads after end-of-stream return 0, io.EOF.
type Stream interface {
	io.ReadCloser
	Size() int64
	AddObserver(name string, w io.Writer)
	AddSink(name string, s Sink)
	Sink(name string) Sink
	AtEOF() bool
}

type namedWriter struct {
	name string
	w    io.Writer
}

type namedSink struct {
	name string
	s    Sink
}

// Base carries the observer and sink lists shared by every stream. Concrete
// streams embed it and pass each chunk they return through emit.
type Base struct {
	observers []namedWriter
	sinks     []namedSink
	done      bool
}

// AddObserver attaches w under name, replacing any observer already
// registered with that name. Observers implementing io.Closer are closed at
// end-of-stream.
func (b *Base) AddObserver(name string, w io.Writer) {
	for i := range b.observers {
		if b.observers[i].name == name {
			b.observers[i].w = w
			return
		}
	}
	b.observers = append(b.observers, namedWriter{name: name, w: w})
}

// AddSink attaches s under name, replacing any sink with the same name.
func (b *Base) AddSink(name string, s Sink) {
	for i := range b.sinks {
		if b.sinks[i].name == name {
			b.sinks[i].s = s
			return
		}
	}
	b.sinks = append(b.sinks, namedSink{name: name, s: s})
}

// Sink returns the sink registered under name, or nil.
func (b *Base) Sink(name string) Sink {
	for _, ns := range b.sinks {
		if ns.name == name {
			return ns.s
		}
	}
	return nil
}

// AtEOF reports whether the stream has signalled end-of-stream.
func (b *Base) AtEOF() bool { return b.done }

// emit feeds p to observers and sinks in registration order and, when err is
// io.EOF, notifies all of them exactly once. A failed write still closes
// everything at end-of-stream.
func (b *Base) emit(p []byte, err error) error {
	var werr error
	if len(p) > 0 {
		werr = b.write(p)
	}
	if err != io.EOF || b.done {
		if werr != nil {
			return werr
		}
		return err
	}
	b.done = true
	errs := []error{werr}
	for _, s := range b.sinks {
		errs = append(errs, s.s.Close())
	}
	for _, o := range b.observers {
		if c, ok := o.w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if joined := errors.Join(errs...); joined != nil {
		return joined
	}
	return io.EOF
}

func (b *Base) write(p []byte) error {
	for _, o := range b.observers {
		if _, err := o.w.Write(p); err != nil {
			return err
		}
	}
	for _, s := range b.sinks {
		if _, err := s.s.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// fill reads from r until p is full or r ends. A short read always comes
// with io.EOF.
func fill(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// ReadN reads up to n bytes from s, or everything remaining when n < 0. It
// returns fewer than n bytes only at end-of-stream.
func ReadN(s Stream, n int) ([]byte, error) {
	if n < 0 {
		return io.ReadAll(s)
	}
	buf := make([]byte, n)
	k, err := fill(s, buf)
	if err == io.EOF {
		err = nil
	}
	return buf[:k], err
}
