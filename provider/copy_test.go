package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"storagegate/streams"
)

var timeZero time.Time

// memProvider keeps files in a map keyed by materialized path. Fast paths are
// offered only when fast is set and both sides share an account.
type memProvider struct {
	Base
	mu          sync.Mutex
	files       map[string][]byte
	folders     map[string]bool
	fast        bool
	failUpload  bool
	deletes     []string
	intraCopies int
	intraMoves  int
}

func newMemProvider(account string, fast bool) *memProvider {
	return &memProvider{
		Base:    NewBase(Auth{UserID: "u1"}, Identity{Provider: "mem", Account: account}),
		files:   map[string][]byte{},
		folders: map[string]bool{"/": true},
		fast:    fast,
	}
}

func (m *memProvider) Name() string { return "mem" }

func (m *memProvider) Download(_ context.Context, p *Path) (streams.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p.Materialized()]
	if !ok {
		return nil, NotFound(KindDownload, p.Materialized())
	}
	return streams.NewByteStream(append([]byte(nil), data...)), nil
}

func (m *memProvider) Upload(_ context.Context, s streams.Stream, p *Path) (*Metadata, bool, error) {
	data, err := io.ReadAll(s)
	if err != nil {
		return nil, false, Wrap(KindUpload, p.Materialized(), err)
	}
	if m.failUpload {
		return nil, false, NewError(KindUpload, http.StatusBadGateway, p.Materialized(), "backend rejected write", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.files[p.Materialized()]
	m.files[p.Materialized()] = data
	return FileMetadata(m.Name(), p, int64(len(data)), timeZero), !existed, nil
}

func (m *memProvider) Delete(_ context.Context, p *Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Materialized()
	m.deletes = append(m.deletes, key)
	if p.IsDir() {
		for k := range m.files {
			if strings.HasPrefix(k, key) {
				delete(m.files, k)
			}
		}
		for k := range m.folders {
			if strings.HasPrefix(k, key) {
				delete(m.folders, k)
			}
		}
		return nil
	}
	if _, ok := m.files[key]; !ok {
		return NotFound(KindDelete, key)
	}
	delete(m.files, key)
	return nil
}

func (m *memProvider) Metadata(_ context.Context, p *Path) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Materialized()
	if p.IsFile() {
		data, ok := m.files[key]
		if !ok {
			return nil, NotFound(KindMetadata, key)
		}
		md := FileMetadata(m.Name(), p, int64(len(data)), timeZero)
		md.Extra["content"] = string(data)
		return md, nil
	}
	if !m.folders[key] {
		return nil, NotFound(KindMetadata, key)
	}
	folder := FolderMetadata(m.Name(), p)
	var names []string
	seen := map[string]bool{}
	for k := range m.files {
		if rest, ok := strings.CutPrefix(k, key); ok && rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	for k := range m.folders {
		if rest, ok := strings.CutPrefix(k, key); ok && rest != "" && strings.Count(rest, "/") == 1 && strings.HasSuffix(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		isDir := strings.HasSuffix(n, "/")
		child := p.Child(strings.TrimSuffix(n, "/"), isDir)
		if isDir {
			folder.Children = append(folder.Children, FolderMetadata(m.Name(), child))
		} else {
			folder.Children = append(folder.Children, FileMetadata(m.Name(), child, int64(len(m.files[key+n])), timeZero))
		}
	}
	return folder, nil
}

func (m *memProvider) CreateFolder(_ context.Context, p *Path) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Materialized()
	if m.folders[key] {
		return nil, FolderNamingConflict(key, p.Name())
	}
	m.folders[key] = true
	return FolderMetadata(m.Name(), p), nil
}

func (m *memProvider) CanIntraCopy(dest Provider, _ *Path) bool {
	return m.fast && SameAccount(m, dest)
}

func (m *memProvider) IntraCopy(ctx context.Context, dest Provider, src, dst *Path) (*Metadata, bool, error) {
	m.mu.Lock()
	m.intraCopies++
	data, ok := m.files[src.Materialized()]
	m.mu.Unlock()
	if !ok {
		return nil, false, NotFound(KindIntraCopy, src.Materialized())
	}
	return dest.Upload(ctx, streams.NewByteStream(data), dst)
}

func (m *memProvider) CanIntraMove(dest Provider, p *Path) bool {
	return m.CanIntraCopy(dest, p)
}

func (m *memProvider) IntraMove(ctx context.Context, dest Provider, src, dst *Path) (*Metadata, bool, error) {
	md, created, err := m.IntraCopy(ctx, dest, src, dst)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	m.intraCopies--
	m.intraMoves++
	delete(m.files, src.Materialized())
	m.mu.Unlock()
	return md, created, nil
}

func contentOf(t *testing.T, p Provider, path string) string {
	t.Helper()
	md, err := p.Metadata(context.Background(), MustPath(path))
	if err != nil {
		t.Fatalf("Metadata(%s) failed: %v", path, err)
	}
	return md.Extra["content"].(string)
}

func TestCopyFastPathAndFallbackAgree(t *testing.T) {
	ctx := context.Background()
	for _, fast := range []bool{true, false} {
		name := "fallback"
		if fast {
			name = "fast"
		}
		t.Run(name, func(t *testing.T) {
			src := newMemProvider("acct", fast)
			dst := src
			src.files["/a.txt"] = []byte("payload")

			before := contentOf(t, src, "/a.txt")
			md, created, err := Copy(ctx, src, MustPath("/a.txt"), dst, MustPath("/b.txt"), ConflictReplace)
			if err != nil {
				t.Fatalf("Copy failed: %v", err)
			}
			if !created || md.Name != "b.txt" {
				t.Errorf("Copy returned created=%v name=%q", created, md.Name)
			}
			if got := contentOf(t, dst, "/b.txt"); got != before {
				t.Errorf("dest content = %q, want %q", got, before)
			}
			wantIntra := 0
			if fast {
				wantIntra = 1
			}
			if src.intraCopies != wantIntra {
				t.Errorf("intraCopies = %d, want %d", src.intraCopies, wantIntra)
			}
		})
	}
}

func TestCopyAcrossAccountsStreams(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("one", true)
	dst := newMemProvider("two", true)
	src.files["/x.bin"] = []byte("cross account")

	if _, _, err := Copy(ctx, src, MustPath("/x.bin"), dst, MustPath("/x.bin"), ConflictReplace); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if src.intraCopies != 0 {
		t.Error("fast path used across different accounts")
	}
	if got := contentOf(t, dst, "/x.bin"); got != "cross account" {
		t.Errorf("dest content = %q", got)
	}
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	for _, fast := range []bool{true, false} {
		t.Run(map[bool]string{true: "fast", false: "fallback"}[fast], func(t *testing.T) {
			src := newMemProvider("acct", fast)
			dst := newMemProvider("acct", fast)
			src.files["/m.txt"] = []byte("moving")

			if _, _, err := Move(ctx, src, MustPath("/m.txt"), dst, MustPath("/moved.txt"), ConflictReplace); err != nil {
				t.Fatalf("Move failed: %v", err)
			}
			if _, err := src.Metadata(ctx, MustPath("/m.txt")); !IsNotFound(err) {
				t.Errorf("source still present after move: err = %v", err)
			}
			if got := contentOf(t, dst, "/moved.txt"); got != "moving" {
				t.Errorf("dest content = %q", got)
			}
			if fast && src.intraMoves != 1 {
				t.Errorf("intraMoves = %d, want 1", src.intraMoves)
			}
		})
	}
}

func TestMoveFailedCopyKeepsSource(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("one", false)
	dst := newMemProvider("two", false)
	dst.failUpload = true
	src.files["/keep.txt"] = []byte("precious")

	_, _, err := Move(ctx, src, MustPath("/keep.txt"), dst, MustPath("/keep.txt"), ConflictReplace)
	if err == nil {
		t.Fatal("Move succeeded despite failing upload")
	}
	if StatusCode(err) != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 propagated unchanged", StatusCode(err))
	}
	if len(src.deletes) != 0 {
		t.Errorf("source delete was invoked: %v", src.deletes)
	}
	if got := contentOf(t, src, "/keep.txt"); got != "precious" {
		t.Errorf("source content = %q", got)
	}
}

func TestIntraErrorsPropagateWithoutFallback(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("acct", true)
	// Source missing: the fast path fails and must not fall back to streaming.
	_, _, err := Copy(ctx, src, MustPath("/ghost.txt"), src, MustPath("/copy.txt"), ConflictReplace)
	if err == nil {
		t.Fatal("Copy of missing file succeeded")
	}
	if !errors.Is(err, &Error{Kind: KindIntraCopy}) {
		t.Errorf("err = %v, want intra_copy kind", err)
	}
}

func TestCopyFolderFallback(t *testing.T) {
	ctx := context.Background()
	src := newMemProvider("one", false)
	dst := newMemProvider("two", false)
	src.folders["/tree/"] = true
	src.folders["/tree/sub/"] = true
	src.files["/tree/a.txt"] = []byte("A")
	src.files["/tree/sub/b.txt"] = []byte("B")

	md, created, err := Copy(ctx, src, MustPath("/tree/"), dst, MustPath("/copy/"), ConflictReplace)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !created || !md.IsFolder() || len(md.Children) != 2 {
		t.Errorf("folder copy: created=%v folder=%v children=%d", created, md.IsFolder(), len(md.Children))
	}
	if contentOf(t, dst, "/copy/a.txt") != "A" || contentOf(t, dst, "/copy/sub/b.txt") != "B" {
		t.Error("folder contents not copied")
	}
}

func TestConflictPolicies(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("acct", false)
	p.files["/src.txt"] = []byte("new")
	p.files["/dst.txt"] = []byte("old")

	if _, _, err := Copy(ctx, p, MustPath("/src.txt"), p, MustPath("/dst.txt"), ConflictWarn); StatusCode(err) != http.StatusConflict {
		t.Errorf("warn: err = %v, want 409", err)
	}

	md, created, err := Copy(ctx, p, MustPath("/src.txt"), p, MustPath("/dst.txt"), ConflictKeep)
	if err != nil {
		t.Fatalf("keep: %v", err)
	}
	if md.MaterializedPath != "/dst (1).txt" || !created {
		t.Errorf("keep wrote to %q created=%v", md.MaterializedPath, created)
	}
	if contentOf(t, p, "/dst.txt") != "old" {
		t.Error("keep overwrote the original")
	}

	_, created, err = Copy(ctx, p, MustPath("/src.txt"), p, MustPath("/dst.txt"), ConflictReplace)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if created || contentOf(t, p, "/dst.txt") != "new" {
		t.Errorf("replace: created=%v content=%q", created, contentOf(t, p, "/dst.txt"))
	}

	if _, err := ParseConflict("clobber"); err == nil {
		t.Error("ParseConflict accepted an unknown policy")
	}
}

func TestOverlappingTargetsRejected(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		src  string
		dst  string
		move bool
	}{
		{"move folder onto itself", "/a/", "/a/", true},
		{"copy folder onto itself", "/a/", "/a/", false},
		{"copy folder into child", "/a/", "/a/b/", false},
		{"move folder into grandchild", "/a/", "/a/b/c/", true},
		{"copy file onto itself", "/a/f.txt", "/a/f.txt", false},
		{"move file onto itself", "/a/f.txt", "/a/f.txt", true},
	}
	for _, tt := range tests {
		for _, fast := range []bool{true, false} {
			t.Run(tt.name+map[bool]string{true: "/fast", false: "/fallback"}[fast], func(t *testing.T) {
				p := newMemProvider("acct", fast)
				p.folders["/a/"] = true
				p.folders["/a/b/"] = true
				p.files["/a/f.txt"] = []byte("keep me")

				var err error
				if tt.move {
					_, _, err = Move(ctx, p, MustPath(tt.src), p, MustPath(tt.dst), ConflictReplace)
				} else {
					_, _, err = Copy(ctx, p, MustPath(tt.src), p, MustPath(tt.dst), ConflictReplace)
				}
				if StatusCode(err) != http.StatusConflict || !errors.Is(err, &Error{Kind: KindNamingConflict}) {
					t.Fatalf("err = %v, want 409 naming conflict", err)
				}
				if len(p.deletes) != 0 {
					t.Errorf("deletes issued: %v", p.deletes)
				}
				if got := contentOf(t, p, "/a/f.txt"); got != "keep me" {
					t.Errorf("source content = %q", got)
				}
				if p.folders["/a/b/a/"] || p.folders["/a/b/b/"] {
					t.Error("copy descended into its own output")
				}
			})
		}
	}
}

func TestSiblingPrefixIsNotOverlap(t *testing.T) {
	ctx := context.Background()
	p := newMemProvider("acct", false)
	p.folders["/a/"] = true
	p.files["/a/f.txt"] = []byte("F")

	if _, _, err := Copy(ctx, p, MustPath("/a/"), p, MustPath("/ab/"), ConflictReplace); err != nil {
		t.Fatalf("Copy to sibling failed: %v", err)
	}
	if contentOf(t, p, "/ab/f.txt") != "F" {
		t.Error("sibling copy incomplete")
	}

	other := newMemProvider("elsewhere", false)
	if _, _, err := Copy(ctx, p, MustPath("/a/"), other, MustPath("/a/b/"), ConflictReplace); err != nil {
		t.Fatalf("Copy to another account failed: %v", err)
	}
	if contentOf(t, other, "/a/b/f.txt") != "F" {
		t.Error("cross-account copy incomplete")
	}
}
