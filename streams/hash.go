package streams

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/zeebo/blake3"
)

// ErrDigestPending is returned when a digest is requested before the owning
// stream reached end-of-stream.
var ErrDigestPending = errors.New("digest requested before end of stream")

var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake3": func() hash.Hash { return blake3.New() },
}

// HashStreamWriter is a sink that digests every chunk of the stream it is
// attached to.
type HashStreamWriter struct {
	algorithm string
	h         hash.Hash
	closed    bool
}

// NewHashStreamWriter returns a sink for one of md5, sha1, sha256, sha512 or
// blake3.
func NewHashStreamWriter(algorithm string) (*HashStreamWriter, error) {
	newHash, ok := hashers[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	return &HashStreamWriter{algorithm: algorithm, h: newHash()}, nil
}

func (w *HashStreamWriter) Algorithm() string { return w.algorithm }

func (w *HashStreamWriter) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Close marks the digest final.
func (w *HashStreamWriter) Close() error {
	w.closed = true
	return nil
}

// HexDigest returns the lowercase hex digest once the stream has ended.
func (w *HashStreamWriter) HexDigest() (string, error) {
	if !w.closed {
		return "", ErrDigestPending
	}
	return hex.EncodeToString(w.h.Sum(nil)), nil
}

// FileSink persists every chunk of a stream to a local file.
type FileSink struct {
	path    string
	f       *os.File
	written int64
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, f: f}, nil
}

func (s *FileSink) Path() string   { return s.path }
func (s *FileSink) Written() int64 { return s.written }

func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

// Close syncs and closes the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
