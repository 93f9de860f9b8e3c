package storage

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/webdav"

	"storagegate/provider"
	"storagegate/streams"
)

func newWebDAV(t *testing.T) (*WebDAVStorage, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	})
	t.Cleanup(srv.Close)
	w, err := NewWebDAVStorage(provider.Auth{UserID: "u1"}, WebDAVSettings{URL: srv.URL, Username: "alice"})
	if err != nil {
		t.Fatalf("NewWebDAVStorage failed: %v", err)
	}
	return w, srv
}

func TestWebDAVRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, _ := newWebDAV(t)

	body := strings.Repeat("webdav payload ", 5000)
	md, created, err := w.Upload(ctx, streams.NewReaderStream(strings.NewReader(body), streams.UnknownSize), provider.MustPath("/docs/report.txt"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !created || md.Size != int64(len(body)) {
		t.Errorf("Upload: created=%v size=%d", created, md.Size)
	}
	if got := readAll(t, w, "/docs/report.txt"); got != body {
		t.Errorf("downloaded %d bytes, want %d", len(got), len(body))
	}

	if _, err := w.CreateFolder(ctx, provider.MustPath("/docs/archive/")); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if _, err := w.CreateFolder(ctx, provider.MustPath("/docs/archive/")); provider.StatusCode(err) != 409 {
		t.Errorf("second CreateFolder: %v", err)
	}

	folder, err := w.Metadata(ctx, provider.MustPath("/docs/"))
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	var names []string
	for _, c := range folder.Children {
		names = append(names, c.Kind+":"+c.Name)
	}
	if got := strings.Join(names, ","); got != "folder:archive,file:report.txt" {
		t.Errorf("children = %s", got)
	}

	if _, err := w.Download(ctx, provider.MustPath("/docs/missing.txt")); !provider.IsNotFound(err) {
		t.Errorf("Download missing: %v", err)
	}
	if err := w.Delete(ctx, provider.MustPath("/docs/")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := w.Metadata(ctx, provider.MustPath("/docs/")); !provider.IsNotFound(err) {
		t.Errorf("Metadata after delete: %v", err)
	}
}

func TestWebDAVNativeCopyMove(t *testing.T) {
	ctx := context.Background()
	w, srv := newWebDAV(t)
	if _, _, err := w.Upload(ctx, streams.NewStringStream("abc"), provider.MustPath("/a.txt")); err != nil {
		t.Fatal(err)
	}

	if c := provider.NegotiateMove(w, w, provider.MustPath("/a.txt")); c.Kind != provider.FastPath {
		t.Fatalf("same share should offer a native move")
	}
	if _, _, err := provider.Copy(ctx, w, provider.MustPath("/a.txt"), w, provider.MustPath("/copies/a.txt"), provider.ConflictReplace); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	md, created, err := provider.Move(ctx, w, provider.MustPath("/a.txt"), w, provider.MustPath("/moved.txt"), provider.ConflictReplace)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if !created || md.Size != 3 {
		t.Errorf("Move: created=%v size=%d", created, md.Size)
	}
	if _, err := w.Metadata(ctx, provider.MustPath("/a.txt")); !provider.IsNotFound(err) {
		t.Errorf("source after move: %v", err)
	}
	if got := readAll(t, w, "/copies/a.txt"); got != "abc" {
		t.Errorf("copy content = %q", got)
	}

	other, err := NewWebDAVStorage(provider.Auth{}, WebDAVSettings{URL: srv.URL, Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if c := provider.NegotiateCopy(w, other, provider.MustPath("/moved.txt")); c.Kind != provider.Unsupported {
		t.Error("different accounts should not share a fast path")
	}
}
