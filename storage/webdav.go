package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/studio-b12/gowebdav"

	"storagegate/provider"
	"storagegate/streams"
)

type WebDAVStorage struct {
	provider.Base
	client *gowebdav.Client
}

func NewWebDAVStorage(auth provider.Auth, settings WebDAVSettings) (*WebDAVStorage, error) {
	client := gowebdav.NewClient(settings.URL, settings.Username, settings.Password)

	if err := client.Connect(); err != nil {
		if strings.Contains(err.Error(), fmt.Sprintf("%d", http.StatusUnauthorized)) {
			return nil, fmt.Errorf("WebDAV authentication failed (401 Unauthorized), check username and password: %w", err)
		}
		return nil, fmt.Errorf("connect to WebDAV server at %s: %w", settings.URL, err)
	}

	slog.Info("using WebDAV storage", "url", settings.URL)
	return &WebDAVStorage{
		Base:   provider.NewBase(auth, provider.Identity{Provider: TypeWebDAV, Account: settings.Username + "@" + strings.TrimSuffix(settings.URL, "/")}),
		client: client,
	}, nil
}

func (w *WebDAVStorage) Name() string { return TypeWebDAV }

func isDAVNotFound(err error) bool {
	return gowebdav.IsErrNotFound(err) || os.IsNotExist(err)
}

type davEntry interface {
	ETag() string
	ContentType() string
}

func (w *WebDAVStorage) Download(_ context.Context, p *provider.Path) (streams.Stream, error) {
	if p.IsDir() {
		return nil, provider.NewError(provider.KindDownload, 400, p.Materialized(), "cannot download a folder", nil)
	}
	info, err := w.client.Stat(p.Materialized())
	if err != nil {
		if isDAVNotFound(err) {
			return nil, provider.NotFound(provider.KindDownload, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindDownload, p.Materialized(), err)
	}
	body, err := w.client.ReadStream(p.Materialized())
	if err != nil {
		if isDAVNotFound(err) {
			return nil, provider.NotFound(provider.KindDownload, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindDownload, p.Materialized(), err)
	}
	return streams.NewReaderStream(body, info.Size()), nil
}

// Upload hands the stream to a single PUT; the body is never buffered.
func (w *WebDAVStorage) Upload(_ context.Context, s streams.Stream, p *provider.Path) (*provider.Metadata, bool, error) {
	_, statErr := w.client.Stat(p.Materialized())
	created := isDAVNotFound(statErr)

	if err := w.client.WriteStream(p.Materialized(), s, 0644); err != nil {
		io.Copy(io.Discard, s)
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	md, err := w.stat(p)
	if err != nil {
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	return md, created, nil
}

func (w *WebDAVStorage) Delete(_ context.Context, p *provider.Path) error {
	if p.IsRoot() {
		return provider.NewError(provider.KindDelete, 400, "/", "refusing to delete the share root", nil)
	}
	if _, err := w.client.Stat(p.Materialized()); err != nil {
		if isDAVNotFound(err) {
			return provider.NotFound(provider.KindDelete, p.Materialized())
		}
		return provider.Wrap(provider.KindDelete, p.Materialized(), err)
	}
	if err := w.client.RemoveAll(p.Materialized()); err != nil {
		return provider.Wrap(provider.KindDelete, p.Materialized(), err)
	}
	return nil
}

func (w *WebDAVStorage) Metadata(_ context.Context, p *provider.Path) (*provider.Metadata, error) {
	if p.IsFile() {
		md, err := w.stat(p)
		if err != nil {
			if isDAVNotFound(err) {
				return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
			}
			return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
		}
		return md, nil
	}

	entries, err := w.client.ReadDir(p.Materialized())
	if err != nil {
		if isDAVNotFound(err) {
			return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	folder := provider.FolderMetadata(w.Name(), p)
	for _, e := range entries {
		child := p.Child(e.Name(), e.IsDir())
		if e.IsDir() {
			folder.Children = append(folder.Children, provider.FolderMetadata(w.Name(), child))
			continue
		}
		folder.Children = append(folder.Children, w.toMetadata(child, e))
	}
	return folder, nil
}

func (w *WebDAVStorage) stat(p *provider.Path) (*provider.Metadata, error) {
	info, err := w.client.Stat(p.Materialized())
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
	}
	return w.toMetadata(p, info), nil
}

func (w *WebDAVStorage) toMetadata(p *provider.Path, info os.FileInfo) *provider.Metadata {
	md := provider.FileMetadata(w.Name(), p, info.Size(), info.ModTime())
	if e, ok := info.(davEntry); ok {
		md.ETag = strings.Trim(e.ETag(), `"`)
		md.ContentType = e.ContentType()
	}
	return md
}

func (w *WebDAVStorage) CreateFolder(_ context.Context, p *provider.Path) (*provider.Metadata, error) {
	if !p.IsDir() {
		return nil, provider.NewError(provider.KindCreateFolder, 400, p.Materialized(), "path must be a folder", nil)
	}
	if _, err := w.client.Stat(p.Materialized()); err == nil {
		return nil, provider.FolderNamingConflict(p.Materialized(), p.Name())
	}
	if err := w.client.MkdirAll(p.Materialized(), 0755); err != nil {
		return nil, provider.Wrap(provider.KindCreateFolder, p.Materialized(), err)
	}
	return provider.FolderMetadata(w.Name(), p), nil
}

func (w *WebDAVStorage) CanIntraCopy(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(w, dest)
}

// IntraCopy issues a server-side COPY.
func (w *WebDAVStorage) IntraCopy(ctx context.Context, _ provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	return w.transfer(ctx, src, dst, w.client.Copy)
}

func (w *WebDAVStorage) CanIntraMove(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(w, dest)
}

// IntraMove issues a server-side MOVE.
func (w *WebDAVStorage) IntraMove(ctx context.Context, _ provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	return w.transfer(ctx, src, dst, w.client.Rename)
}

func (w *WebDAVStorage) transfer(ctx context.Context, src, dst *provider.Path, op func(oldpath, newpath string, overwrite bool) error) (*provider.Metadata, bool, error) {
	_, statErr := w.client.Stat(dst.Materialized())
	created := isDAVNotFound(statErr)
	if parent := path.Dir(strings.TrimSuffix(dst.Materialized(), "/")); parent != "/" {
		if err := w.client.MkdirAll(parent, 0755); err != nil {
			return nil, false, err
		}
	}
	if err := op(src.Materialized(), dst.Materialized(), true); err != nil {
		if isDAVNotFound(err) {
			return nil, false, provider.NotFound(provider.KindMetadata, src.Materialized())
		}
		return nil, false, err
	}
	md, err := w.Metadata(ctx, dst)
	return md, created, err
}
