package streams

import (
	"bytes"
	"encoding/base64"
	"io"
)

// Base64EncodeStream emits the standard padded base64 encoding of its inner
// stream. Input is pulled in multiples of three bytes so the encoding is the
// same for every read size.
type Base64EncodeStream struct {
	Base
	inner     Stream
	out       bytes.Buffer
	carry     []byte
	innerDone bool
}

func NewBase64EncodeStream(inner Stream) *Base64EncodeStream {
	return &Base64EncodeStream{inner: inner}
}

func (s *Base64EncodeStream) Size() int64 {
	size := s.inner.Size()
	if size == UnknownSize {
		return UnknownSize
	}
	return int64(base64.StdEncoding.EncodedLen(int(size)))
}

func (s *Base64EncodeStream) Read(p []byte) (int, error) {
	if s.done {
		return 0, io.EOF
	}
	for s.out.Len() < len(p) && !s.innerDone {
		need := len(p) - s.out.Len()
		want := (need+3)/4*3 - len(s.carry)
		if want < 3 {
			want = 3
		}
		chunk := make([]byte, len(s.carry)+want)
		copy(chunk, s.carry)
		k, err := fill(s.inner, chunk[len(s.carry):])
		data := chunk[:len(s.carry)+k]
		switch {
		case err == io.EOF:
			s.innerDone = true
			s.carry = nil
			s.encode(data)
		case err != nil:
			return 0, err
		default:
			whole := len(data) / 3 * 3
			s.encode(data[:whole])
			s.carry = append(s.carry[:0], data[whole:]...)
		}
	}
	n, _ := s.out.Read(p)
	var err error
	if s.innerDone && s.out.Len() == 0 {
		err = io.EOF
	}
	return n, s.emit(p[:n], err)
}

func (s *Base64EncodeStream) encode(data []byte) {
	if len(data) == 0 {
		return
	}
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(enc, data)
	s.out.Write(enc)
}

func (s *Base64EncodeStream) Close() error { return s.inner.Close() }
