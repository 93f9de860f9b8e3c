package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storagegate/provider"
	"storagegate/streams"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	l, err := NewLocalStorage(provider.Auth{UserID: "u1"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	return l
}

func readAll(t *testing.T, p provider.Provider, path string) string {
	t.Helper()
	s, err := p.Download(context.Background(), provider.MustPath(path))
	if err != nil {
		t.Fatalf("Download(%s) failed: %v", path, err)
	}
	defer s.Close()
	data, err := streams.ReadN(s, -1)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestLocalUploadDownload(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	p := provider.MustPath("/docs/a.txt")

	md, created, err := l.Upload(ctx, streams.NewStringStream("first"), p)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !created || md.Size != 5 || md.Name != "a.txt" || md.Kind != provider.KindFile {
		t.Errorf("first upload: created=%v md=%+v", created, md)
	}
	if md.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("ContentType = %q", md.ContentType)
	}

	_, created, err = l.Upload(ctx, streams.NewStringStream("second!"), p)
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if created {
		t.Error("overwrite reported created")
	}
	if got := readAll(t, l, "/docs/a.txt"); got != "second!" {
		t.Errorf("content = %q", got)
	}

	leftovers, _ := filepath.Glob(filepath.Join(l.basePath, "docs", ".*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestLocalMetadataAndErrors(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	for _, name := range []string{"/d/b.txt", "/d/a.txt", "/d/sub/c.txt"} {
		if _, _, err := l.Upload(ctx, streams.NewStringStream(name), provider.MustPath(name)); err != nil {
			t.Fatalf("Upload(%s) failed: %v", name, err)
		}
	}

	folder, err := l.Metadata(ctx, provider.MustPath("/d/"))
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	var names []string
	for _, c := range folder.Children {
		names = append(names, c.Kind+":"+c.Name)
	}
	if got := strings.Join(names, ","); got != "file:a.txt,file:b.txt,folder:sub" {
		t.Errorf("children = %s", got)
	}

	tests := []struct {
		name string
		call func() error
		code int
	}{
		{"download missing", func() error { _, err := l.Download(ctx, provider.MustPath("/nope")); return err }, 404},
		{"download folder", func() error { _, err := l.Download(ctx, provider.MustPath("/d/")); return err }, 400},
		{"metadata file as folder", func() error { _, err := l.Metadata(ctx, provider.MustPath("/d/a.txt/")); return err }, 404},
		{"delete missing", func() error { return l.Delete(ctx, provider.MustPath("/gone.txt")) }, 404},
		{"delete root", func() error { return l.Delete(ctx, provider.RootPath()) }, 400},
		{"create existing folder", func() error { _, err := l.CreateFolder(ctx, provider.MustPath("/d/sub/")); return err }, 409},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := provider.StatusCode(err); got != tt.code {
				t.Errorf("status = %d (%v), want %d", got, err, tt.code)
			}
		})
	}

	if err := l.Delete(ctx, provider.MustPath("/d/")); err != nil {
		t.Fatalf("Delete folder failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.basePath, "d")); !os.IsNotExist(err) {
		t.Errorf("folder still present: %v", err)
	}
}

func TestLocalIntraCopyAndMove(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	if _, _, err := l.Upload(ctx, streams.NewStringStream("payload"), provider.MustPath("/src/f.txt")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.Upload(ctx, streams.NewStringStream("nested"), provider.MustPath("/src/in/g.txt")); err != nil {
		t.Fatal(err)
	}

	if c := provider.NegotiateCopy(l, l, provider.MustPath("/src/")); c.Kind != provider.FastPath {
		t.Fatalf("same tree should offer a fast path, got %v", c.Kind)
	}
	other := newLocal(t)
	if c := provider.NegotiateCopy(l, other, provider.MustPath("/src/")); c.Kind != provider.Unsupported {
		t.Errorf("different roots should not share a fast path")
	}

	if _, _, err := provider.Copy(ctx, l, provider.MustPath("/src/"), l, provider.MustPath("/copy/"), provider.ConflictReplace); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if got := readAll(t, l, "/copy/in/g.txt"); got != "nested" {
		t.Errorf("copied nested content = %q", got)
	}

	md, created, err := provider.Move(ctx, l, provider.MustPath("/src/f.txt"), l, provider.MustPath("/moved/f.txt"), provider.ConflictReplace)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if !created || md.Size != 7 {
		t.Errorf("Move: created=%v size=%d", created, md.Size)
	}
	if _, err := l.Metadata(ctx, provider.MustPath("/src/f.txt")); !provider.IsNotFound(err) {
		t.Errorf("source still present after move: %v", err)
	}

	// Across roots the bytes are streamed.
	if _, _, err := provider.Copy(ctx, l, provider.MustPath("/moved/f.txt"), other, provider.MustPath("/x.txt"), provider.ConflictReplace); err != nil {
		t.Fatalf("cross-root Copy failed: %v", err)
	}
	if got := readAll(t, other, "/x.txt"); got != "payload" {
		t.Errorf("cross-root content = %q", got)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(Settings{Type: "ftp"}, provider.Auth{}); err == nil {
		t.Error("New accepted an unknown storage type")
	}
	p, err := New(Settings{Type: "LOCAL", LocalPath: t.TempDir()}, provider.Auth{})
	if err != nil {
		t.Fatalf("New local failed: %v", err)
	}
	if p.Name() != TypeLocal {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestLocalRejectsOverlappingTargets(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	if _, _, err := l.Upload(ctx, streams.NewStringStream("data"), provider.MustPath("/a/f.txt")); err != nil {
		t.Fatal(err)
	}

	if _, _, err := provider.Move(ctx, l, provider.MustPath("/a/"), l, provider.MustPath("/a/"), provider.ConflictReplace); provider.StatusCode(err) != 409 {
		t.Errorf("move onto itself: err = %v, want 409", err)
	}
	if _, _, err := provider.Copy(ctx, l, provider.MustPath("/a/"), l, provider.MustPath("/a/b/"), provider.ConflictReplace); provider.StatusCode(err) != 409 {
		t.Errorf("copy into descendant: err = %v, want 409", err)
	}
	if got := readAll(t, l, "/a/f.txt"); got != "data" {
		t.Errorf("source content = %q", got)
	}
	if _, err := os.Stat(l.fullPath(provider.MustPath("/a/b/"))); !os.IsNotExist(err) {
		t.Errorf("descendant created: %v", err)
	}
}

func TestLocalCopyTreeListsBeforeCreating(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	if _, _, err := l.Upload(ctx, streams.NewStringStream("data"), provider.MustPath("/a/f.txt")); err != nil {
		t.Fatal(err)
	}

	if _, _, err := l.IntraCopy(ctx, l, provider.MustPath("/a/"), provider.MustPath("/a/b/")); err != nil {
		t.Fatalf("IntraCopy failed: %v", err)
	}
	if got := readAll(t, l, "/a/b/f.txt"); got != "data" {
		t.Errorf("copied content = %q", got)
	}
	if _, err := os.Stat(l.fullPath(provider.MustPath("/a/b/b/"))); !os.IsNotExist(err) {
		t.Errorf("copy descended into its own output: %v", err)
	}
}
