package streams

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrFinalized is returned when a part is added after Finalize.
	ErrFinalized = errors.New("form data already finalized")
	// ErrNotFinalized is returned when the body or headers are requested
	// before Finalize.
	ErrNotFinalized = errors.New("form data not finalized")
)

// FormDataStream builds a multipart/form-data body from fields and file
// streams. It is a one-shot builder: after Finalize no parts may be added.
type FormDataStream struct {
	Base
	boundary string
	parts    []Stream
	body     *MultiStream
}

func NewFormDataStream() *FormDataStream {
	return &FormDataStream{
		boundary: "----GatewayFormBoundary" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

func (f *FormDataStream) Boundary() string { return f.boundary }

// AddField appends a plain form field.
func (f *FormDataStream) AddField(name, value string) error {
	if f.body != nil {
		return ErrFinalized
	}
	header := f.partHeader(map[string]string{"name": name}, "")
	f.parts = append(f.parts, NewStringStream(header+value+"\r\n"))
	return nil
}

// AddFile appends a file part whose payload is read from s. An empty
// contentType defaults to application/octet-stream.
func (f *FormDataStream) AddFile(name, filename, contentType string, s Stream) error {
	if f.body != nil {
		return ErrFinalized
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := f.partHeader(map[string]string{"name": name, "filename": filename}, contentType)
	f.parts = append(f.parts, NewStringStream(header), s, NewStringStream("\r\n"))
	return nil
}

func (f *FormDataStream) partHeader(params map[string]string, contentType string) string {
	var b strings.Builder
	b.WriteString("--" + f.boundary + "\r\n")
	b.WriteString("Content-Disposition: " + mime.FormatMediaType("form-data", params) + "\r\n")
	if contentType != "" {
		b.WriteString("Content-Type: " + contentType + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// Finalize appends the closing boundary. Calling it twice is an error.
func (f *FormDataStream) Finalize() error {
	if f.body != nil {
		return ErrFinalized
	}
	f.parts = append(f.parts, NewStringStream("--"+f.boundary+"--\r\n"))
	f.body = NewMultiStream(f.parts...)
	return nil
}

// Headers returns the Content-Type and, when every part has a known size,
// the Content-Length of the finalized body.
func (f *FormDataStream) Headers() (map[string]string, error) {
	if f.body == nil {
		return nil, ErrNotFinalized
	}
	headers := map[string]string{
		"Content-Type": mime.FormatMediaType("multipart/form-data", map[string]string{"boundary": f.boundary}),
	}
	if size := f.body.Size(); size != UnknownSize {
		headers["Content-Length"] = strconv.FormatInt(size, 10)
	}
	return headers, nil
}

func (f *FormDataStream) Size() int64 {
	if f.body == nil {
		return UnknownSize
	}
	return f.body.Size()
}

func (f *FormDataStream) Read(p []byte) (int, error) {
	if f.body == nil {
		return 0, ErrNotFinalized
	}
	if f.done {
		return 0, io.EOF
	}
	n, err := f.body.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("form data: %w", err)
	}
	return n, f.emit(p[:n], err)
}

func (f *FormDataStream) Close() error {
	if f.body != nil {
		return f.body.Close()
	}
	return NewMultiStream(f.parts...).Close()
}
