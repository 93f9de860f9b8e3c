package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/renameio"

	"storagegate/provider"
	"storagegate/streams"
)

// LocalStorage serves a directory tree on the gateway host.
type LocalStorage struct {
	provider.Base
	basePath string
}

func NewLocalStorage(auth provider.Auth, path string) (*LocalStorage, error) {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create local storage directory %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	slog.Info("using local file storage", "path", abs)
	return &LocalStorage{
		Base:     provider.NewBase(auth, provider.Identity{Provider: TypeLocal, Account: abs}),
		basePath: abs,
	}, nil
}

func (l *LocalStorage) Name() string { return TypeLocal }

func (l *LocalStorage) fullPath(p *provider.Path) string {
	return filepath.Join(l.basePath, filepath.FromSlash(p.Materialized()))
}

func (l *LocalStorage) Download(_ context.Context, p *provider.Path) (streams.Stream, error) {
	if p.IsDir() {
		return nil, provider.NewError(provider.KindDownload, 400, p.Materialized(), "cannot download a folder", nil)
	}
	s, err := streams.OpenFile(l.fullPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, provider.NotFound(provider.KindDownload, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindDownload, p.Materialized(), err)
	}
	return s, nil
}

// Upload writes to a temporary file next to the target and renames it into
// place, so readers never observe a partial file.
func (l *LocalStorage) Upload(_ context.Context, s streams.Stream, p *provider.Path) (*provider.Metadata, bool, error) {
	target := l.fullPath(p)
	_, statErr := os.Stat(target)
	created := errors.Is(statErr, fs.ErrNotExist)

	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		io.Copy(io.Discard, s)
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	pending, err := renameio.TempFile(filepath.Dir(target), target)
	if err != nil {
		io.Copy(io.Discard, s)
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, s); err != nil {
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	md, err := l.fileMetadata(p)
	if err != nil {
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	return md, created, nil
}

func (l *LocalStorage) Delete(_ context.Context, p *provider.Path) error {
	if p.IsRoot() {
		return provider.NewError(provider.KindDelete, 400, "/", "refusing to delete the storage root", nil)
	}
	full := l.fullPath(p)
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return provider.NotFound(provider.KindDelete, p.Materialized())
		}
		return provider.Wrap(provider.KindDelete, p.Materialized(), err)
	}
	if err := os.RemoveAll(full); err != nil {
		return provider.Wrap(provider.KindDelete, p.Materialized(), err)
	}
	return nil
}

func (l *LocalStorage) Metadata(_ context.Context, p *provider.Path) (*provider.Metadata, error) {
	full := l.fullPath(p)
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
	}
	if info.IsDir() != p.IsDir() {
		return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
	}
	if p.IsFile() {
		return l.fileMetadata(p)
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	folder := provider.FolderMetadata(l.Name(), p)
	for _, e := range entries {
		child := p.Child(e.Name(), e.IsDir())
		if e.IsDir() {
			folder.Children = append(folder.Children, provider.FolderMetadata(l.Name(), child))
			continue
		}
		md, err := l.fileMetadata(child)
		if err != nil {
			return nil, provider.Wrap(provider.KindMetadata, child.Materialized(), err)
		}
		folder.Children = append(folder.Children, md)
	}
	return folder, nil
}

func (l *LocalStorage) fileMetadata(p *provider.Path) (*provider.Metadata, error) {
	info, err := os.Stat(l.fullPath(p))
	if err != nil {
		return nil, err
	}
	md := provider.FileMetadata(l.Name(), p, info.Size(), info.ModTime())
	md.ContentType = mime.TypeByExtension(p.Ext())
	md.ETag = strconv.FormatInt(info.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(info.Size(), 16)
	return md, nil
}

// Revisions reports the current file as the only version.
func (l *LocalStorage) Revisions(ctx context.Context, p *provider.Path) ([]provider.Revision, error) {
	md, err := l.Metadata(ctx, p)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, provider.NotFound(provider.KindRevisions, p.Materialized())
		}
		return nil, err
	}
	return []provider.Revision{{Version: md.ETag, Modified: md.Modified}}, nil
}

func (l *LocalStorage) CreateFolder(_ context.Context, p *provider.Path) (*provider.Metadata, error) {
	if !p.IsDir() {
		return nil, provider.NewError(provider.KindCreateFolder, 400, p.Materialized(), "path must be a folder", nil)
	}
	full := l.fullPath(p)
	if _, err := os.Stat(full); err == nil {
		return nil, provider.FolderNamingConflict(p.Materialized(), p.Name())
	}
	if err := os.MkdirAll(filepath.Dir(full), os.ModePerm); err != nil {
		return nil, provider.Wrap(provider.KindCreateFolder, p.Materialized(), err)
	}
	if err := os.Mkdir(full, os.ModePerm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, provider.FolderNamingConflict(p.Materialized(), p.Name())
		}
		return nil, provider.Wrap(provider.KindCreateFolder, p.Materialized(), err)
	}
	return provider.FolderMetadata(l.Name(), p), nil
}

func (l *LocalStorage) CanIntraCopy(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(l, dest)
}

func (l *LocalStorage) IntraCopy(ctx context.Context, dest provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	if src.IsDir() {
		return l.copyTree(ctx, src, dst)
	}
	s, err := l.Download(ctx, src)
	if err != nil {
		return nil, false, err
	}
	defer s.Close()
	return l.Upload(ctx, s, dst)
}

func (l *LocalStorage) copyTree(ctx context.Context, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	listing, err := l.Metadata(ctx, src)
	if err != nil {
		return nil, false, err
	}
	_, statErr := os.Stat(l.fullPath(dst))
	created := errors.Is(statErr, fs.ErrNotExist)
	if err := os.MkdirAll(l.fullPath(dst), os.ModePerm); err != nil {
		return nil, false, err
	}
	for _, child := range listing.Children {
		isDir := child.IsFolder()
		if _, _, err := l.IntraCopy(ctx, l, src.Child(child.Name, isDir), dst.Child(child.Name, isDir)); err != nil {
			return nil, false, err
		}
	}
	md, err := l.Metadata(ctx, dst)
	return md, created, err
}

func (l *LocalStorage) CanIntraMove(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(l, dest)
}

// IntraMove renames within the same tree.
func (l *LocalStorage) IntraMove(ctx context.Context, _ provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	from, to := l.fullPath(src), l.fullPath(dst)
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		return nil, false, provider.NotFound(provider.KindIntraMove, src.Materialized())
	}
	_, statErr := os.Stat(to)
	created := errors.Is(statErr, fs.ErrNotExist)
	if err := os.MkdirAll(filepath.Dir(to), os.ModePerm); err != nil {
		return nil, false, err
	}
	if !created && dst.IsDir() {
		if err := os.RemoveAll(to); err != nil {
			return nil, false, err
		}
	}
	if err := os.Rename(from, to); err != nil {
		return nil, false, err
	}
	md, err := l.Metadata(ctx, dst)
	return md, created, err
}

// LocalPath exposes the on-disk location of p.
func (l *LocalStorage) LocalPath(p *provider.Path) string { return l.fullPath(p) }
