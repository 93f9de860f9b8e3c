package streams

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestZipStreamRoundTrip(t *testing.T) {
	files := map[string][]byte{
		"a.txt":             []byte("alpha"),
		"empty.bin":         {},
		"nested/big.bin":    bytes.Repeat(patterned(1000), 200),
		"nested/üñí.txt":    []byte(strings.Repeat("unicode names ", 50)),
		"incompressible.db": patterned(70000),
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []ZipEntry
	for i, name := range names {
		data := files[name]
		if i%2 == 0 {
			entries = append(entries, ZipEntry{Name: name, Stream: NewByteStream(data)})
			continue
		}
		entries = append(entries, ZipEntry{
			Name:     name,
			Modified: time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC),
			Open:     func() (Stream, error) { return NewByteStream(data), nil },
		})
	}
	entries = append(entries, ZipEntry{Name: "folder/"})

	for _, k := range []int{1, 511, 64 * 1024} {
		// Reopen the entries for every pass: streams are single-use.
		pass := make([]ZipEntry, len(entries))
		for i, e := range entries {
			pass[i] = e
			if e.Stream != nil {
				pass[i].Stream = NewByteStream(files[e.Name])
			}
		}
		z := NewZipStream(pass...)
		if z.Size() != UnknownSize {
			t.Fatalf("Size() = %d, want UnknownSize", z.Size())
		}
		archive := readChunks(t, z, k)

		r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
		if err != nil {
			t.Fatalf("chunk=%d: zip.NewReader failed: %v", k, err)
		}
		if len(r.File) != len(names)+1 {
			t.Fatalf("chunk=%d: archive has %d entries, want %d", k, len(r.File), len(names)+1)
		}
		for i, f := range r.File[:len(names)] {
			if f.Name != names[i] {
				t.Errorf("entry %d name = %q, want %q", i, f.Name, names[i])
			}
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open %s: %v", f.Name, err)
			}
			// Reading to EOF makes archive/zip verify the CRC-32.
			got, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("read %s: %v", f.Name, err)
			}
			if !bytes.Equal(got, files[f.Name]) {
				t.Errorf("entry %s content mismatch: got %d bytes, want %d", f.Name, len(got), len(files[f.Name]))
			}
		}
		dir := r.File[len(names)]
		if dir.Name != "folder/" || !dir.FileInfo().IsDir() {
			t.Errorf("last entry = %q (dir=%v), want directory folder/", dir.Name, dir.FileInfo().IsDir())
		}
	}
}

func TestZipStreamEmpty(t *testing.T) {
	archive := readChunks(t, NewZipStream(), 100)
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("zip.NewReader failed: %v", err)
	}
	if len(r.File) != 0 {
		t.Errorf("empty archive has %d entries", len(r.File))
	}
}

func TestZipStreamOpenError(t *testing.T) {
	boom := errors.New("backend unavailable")
	z := NewZipStream(ZipEntry{Name: "x", Open: func() (Stream, error) { return nil, boom }})
	if _, err := io.ReadAll(z); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestFormDataStream(t *testing.T) {
	form := NewFormDataStream()
	if err := form.AddField("kind", "file"); err != nil {
		t.Fatalf("AddField failed: %v", err)
	}
	payload := patterned(5000)
	if err := form.AddFile("file", "report.pdf", "application/pdf", NewByteStream(payload)); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if _, err := form.Headers(); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("Headers before Finalize: err = %v, want ErrNotFinalized", err)
	}
	if err := form.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := form.AddField("late", "x"); !errors.Is(err, ErrFinalized) {
		t.Errorf("AddField after Finalize: err = %v, want ErrFinalized", err)
	}

	headers, err := form.Headers()
	if err != nil {
		t.Fatalf("Headers failed: %v", err)
	}
	body := readChunks(t, form, 333)
	if headers["Content-Length"] != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %s, body is %d bytes", headers["Content-Length"], len(body))
	}

	mediaType, params, err := mime.ParseMediaType(headers["Content-Type"])
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("Content-Type = %q (%v)", headers["Content-Type"], err)
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("first part: %v", err)
	}
	value, _ := io.ReadAll(part)
	if part.FormName() != "kind" || string(value) != "file" {
		t.Errorf("field = %s=%q, want kind=file", part.FormName(), value)
	}

	part, err = mr.NextPart()
	if err != nil {
		t.Fatalf("second part: %v", err)
	}
	got, _ := io.ReadAll(part)
	if part.FileName() != "report.pdf" || part.Header.Get("Content-Type") != "application/pdf" {
		t.Errorf("file part headers = %v", part.Header)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("file payload mismatch: got %d bytes", len(got))
	}
	if _, err := mr.NextPart(); err != io.EOF {
		t.Errorf("expected end of multipart body, got %v", err)
	}
}
