package streams

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"testing"
)

// readChunks drains s with reads of exactly k bytes.
func readChunks(t *testing.T, s Stream, k int) []byte {
	t.Helper()
	var out []byte
	for i := 0; ; i++ {
		chunk, err := ReadN(s, k)
		if err != nil {
			t.Fatalf("ReadN(%d) failed: %v", k, err)
		}
		out = append(out, chunk...)
		if len(chunk) < k {
			break
		}
		if i > 1<<20 {
			t.Fatal("stream never ended")
		}
	}
	return out
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/13)
	}
	return data
}

func TestByteStreamChunks(t *testing.T) {
	data := patterned(1000)
	for _, k := range []int{1, 2, 3, 7, 64, 999, 1000, 4096} {
		t.Run(fmt.Sprintf("chunk=%d", k), func(t *testing.T) {
			s := NewByteStream(data)
			if s.Size() != int64(len(data)) {
				t.Fatalf("Size() = %d, want %d", s.Size(), len(data))
			}
			got := readChunks(t, s, k)
			if !bytes.Equal(got, data) {
				t.Fatalf("chunked read mismatch: got %d bytes, want %d", len(got), len(data))
			}
			if !s.AtEOF() {
				t.Error("AtEOF() = false after full read")
			}
			rest, err := ReadN(s, 10)
			if err != nil || len(rest) != 0 {
				t.Errorf("read after EOF = %q, %v; want empty", rest, err)
			}
		})
	}
}

func TestReadNShortOnlyAtEnd(t *testing.T) {
	// A reader that hands out one byte at a time must still fill requests.
	s := NewReaderStream(io.LimitReader(&oneByteReader{data: patterned(50)}, 50), UnknownSize)
	chunk, err := ReadN(s, 20)
	if err != nil {
		t.Fatalf("ReadN failed: %v", err)
	}
	if len(chunk) != 20 {
		t.Errorf("len(chunk) = %d, want 20", len(chunk))
	}
	if s.Size() != UnknownSize {
		t.Errorf("Size() = %d, want UnknownSize", s.Size())
	}
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestMultiStream(t *testing.T) {
	parts := [][]byte{patterned(10), {}, patterned(33), []byte("tail")}
	var want []byte
	for _, p := range parts {
		want = append(want, p...)
	}
	for _, k := range []int{1, 4, 9, 10, 11, 100} {
		t.Run(fmt.Sprintf("chunk=%d", k), func(t *testing.T) {
			var children []Stream
			for _, p := range parts {
				children = append(children, NewByteStream(p))
			}
			m := NewMultiStream(children...)
			if m.Size() != int64(len(want)) {
				t.Fatalf("Size() = %d, want %d", m.Size(), len(want))
			}
			got := readChunks(t, m, k)
			if !bytes.Equal(got, want) {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestMultiStreamUnknownSize(t *testing.T) {
	m := NewMultiStream(NewStringStream("a"), NewReaderStream(bytes.NewReader([]byte("b")), UnknownSize))
	if m.Size() != UnknownSize {
		t.Errorf("Size() = %d, want UnknownSize", m.Size())
	}
	got, err := ReadN(m, -1)
	if err != nil {
		t.Fatalf("ReadN failed: %v", err)
	}
	if string(got) != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

func TestBase64EncodeStream(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5, 17, 100} {
		data := patterned(n)
		want := base64.StdEncoding.EncodeToString(data)
		maxChunk := n
		if maxChunk < 1 {
			maxChunk = 1
		}
		for k := 1; k <= maxChunk; k++ {
			s := NewBase64EncodeStream(NewByteStream(data))
			if s.Size() != int64(len(want)) {
				t.Fatalf("len=%d: Size() = %d, want %d", n, s.Size(), len(want))
			}
			got := readChunks(t, s, k)
			if string(got) != want {
				t.Fatalf("len=%d chunk=%d: got %q, want %q", n, k, got, want)
			}
			decoded, err := base64.StdEncoding.DecodeString(string(got))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !bytes.Equal(decoded, data) {
				t.Fatalf("len=%d chunk=%d: roundtrip mismatch", n, k)
			}
		}
	}
}

func TestObserversAndSinks(t *testing.T) {
	var observed bytes.Buffer
	sha, err := NewHashStreamWriter("sha256")
	if err != nil {
		t.Fatalf("NewHashStreamWriter failed: %v", err)
	}
	s := NewStringStream("hello world")
	s.AddObserver("copy", &observed)
	s.AddSink("sha256", sha)

	if _, err := sha.HexDigest(); !errors.Is(err, ErrDigestPending) {
		t.Fatalf("HexDigest before EOF: err = %v, want ErrDigestPending", err)
	}
	if got := readChunks(t, s, 4); string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if observed.String() != "hello world" {
		t.Errorf("observer saw %q", observed.String())
	}
	digest, err := sha.HexDigest()
	if err != nil {
		t.Fatalf("HexDigest failed: %v", err)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
	if s.Sink("sha256") != sha {
		t.Error("Sink(\"sha256\") did not return the attached sink")
	}
	if s.Sink("missing") != nil {
		t.Error("Sink(\"missing\") should be nil")
	}
}

func TestHashStreamWriterAlgorithms(t *testing.T) {
	tests := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"sha1", "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			w, err := NewHashStreamWriter(tt.algorithm)
			if err != nil {
				t.Fatalf("NewHashStreamWriter failed: %v", err)
			}
			s := NewStringStream("hello world")
			s.AddSink(tt.algorithm, w)
			if _, err := io.ReadAll(s); err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			got, err := w.HexDigest()
			if err != nil {
				t.Fatalf("HexDigest failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("digest = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := NewHashStreamWriter("crc64"); err == nil {
		t.Error("NewHashStreamWriter(\"crc64\") should fail")
	}
	if w, err := NewHashStreamWriter("blake3"); err != nil || w.Algorithm() != "blake3" {
		t.Errorf("blake3 writer: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("observer full") }

type countingSink struct {
	bytes.Buffer
	closes int
}

func (c *countingSink) Close() error {
	c.closes++
	return nil
}

func TestWriteErrorAtEOFStillClosesSinks(t *testing.T) {
	for _, failObserver := range []bool{true, false} {
		t.Run(map[bool]string{true: "observer", false: "sink"}[failObserver], func(t *testing.T) {
			s := NewStringStream("tail")
			sink := &countingSink{}
			if failObserver {
				s.AddObserver("broken", failingWriter{})
				s.AddSink("counting", sink)
			} else {
				s.AddSink("counting", sink)
				s.AddSink("broken", &brokenSink{})
			}

			_, err := s.Read(make([]byte, 16))
			if err == nil || err == io.EOF {
				t.Fatalf("Read err = %v, want the write failure", err)
			}
			if !s.AtEOF() {
				t.Error("AtEOF() = false after the final chunk")
			}
			if sink.closes != 1 {
				t.Errorf("sink closed %d times, want 1", sink.closes)
			}
			if _, err := s.Read(make([]byte, 16)); err != io.EOF {
				t.Errorf("Read after end = %v, want io.EOF", err)
			}
			if sink.closes != 1 {
				t.Errorf("sink closed again: %d", sink.closes)
			}
		})
	}
}

type brokenSink struct{ closed bool }

func (b *brokenSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func (b *brokenSink) Close() error {
	b.closed = true
	return nil
}
