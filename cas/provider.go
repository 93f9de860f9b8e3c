// Package cas implements a content-addressable provider: every file is
// stored once on an inner provider under the SHA-256 of its content, and a
// Recorder maps logical names to digests.
package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"storagegate/metrics"
	"storagegate/provider"
	"storagegate/streams"
	"storagegate/tasks"
)

const ProviderName = "cas"

// Upload states, used in logs and metrics.
const (
	StateStaging   = "staging"
	StateVerifying = "verifying"
	StatePromoting = "promoting"
	StateDeduped   = "deduped"
	StateDone      = "done"
)

var digestAlgorithms = []string{"md5", "sha1", "sha256"}

// Enqueuer accepts side work after a promotion.
type Enqueuer interface {
	Enqueue(job tasks.Job) error
}

type Config struct {
	// Name distinguishes CAS accounts that share an inner provider.
	Name string
	// PendingDir and CompleteDir hold the local mirror. Leave both empty to
	// run without one; side tasks then have nothing to read and are skipped.
	PendingDir  string
	CompleteDir string
	// SideTasks lists the job kinds queued after each promotion.
	SideTasks []string
}

type Provider struct {
	provider.Base
	cfg      Config
	inner    provider.Provider
	recorder Recorder
	queue    Enqueuer
}

// New wraps inner. queue may be nil.
func New(cfg Config, inner provider.Provider, recorder Recorder, queue Enqueuer) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = ProviderName
	}
	for _, dir := range []string{cfg.PendingDir, cfg.CompleteDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("create local mirror directory %s: %w", dir, err)
		}
	}
	innerID := inner.Identity()
	return &Provider{
		Base: provider.NewBase(provider.Auth{}, provider.Identity{
			Provider: ProviderName,
			Account:  cfg.Name + "@" + innerID.Provider + ":" + innerID.Account,
		}),
		cfg:      cfg,
		inner:    inner,
		recorder: recorder,
		queue:    queue,
	}, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) mirrored() bool { return p.cfg.PendingDir != "" && p.cfg.CompleteDir != "" }

// CompletePath is the local mirror location of digest.
func (p *Provider) CompletePath(digest string) string {
	return filepath.Join(p.cfg.CompleteDir, digest)
}

func digestPath(digest string) *provider.Path {
	return provider.RootPath().Child(digest, false)
}

func (p *Provider) recordError(kind provider.Kind, path *provider.Path, err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return provider.NotFound(kind, path.Materialized())
	}
	return provider.Wrap(kind, path.Materialized(), err)
}

// Upload stages the body under a random name while hashing it, then either
// promotes it to its digest name or drops it when that digest is already
// stored.
func (p *Provider) Upload(ctx context.Context, s streams.Stream, path *provider.Path) (*provider.Metadata, bool, error) {
	if path.IsDir() {
		return nil, false, provider.NewError(provider.KindUpload, 400, path.Materialized(), "cannot upload to a folder path", nil)
	}
	log := slog.With("provider", p.Name(), "path", path.Materialized())

	// STAGING
	stagingName := uuid.NewString()
	staging := provider.RootPath().Child(stagingName, false)
	hashes := make(map[string]*streams.HashStreamWriter, len(digestAlgorithms))
	for _, algo := range digestAlgorithms {
		h, err := streams.NewHashStreamWriter(algo)
		if err != nil {
			return nil, false, err
		}
		hashes[algo] = h
		s.AddSink(algo, h)
	}
	var pending *streams.FileSink
	if p.mirrored() {
		var err error
		if pending, err = streams.NewFileSink(filepath.Join(p.cfg.PendingDir, stagingName)); err != nil {
			return nil, false, provider.Wrap(provider.KindUpload, path.Materialized(), err)
		}
		s.AddSink("pending", pending)
	}
	log.Debug("cas upload", "state", StateStaging, "staging", stagingName)

	staged, _, err := p.inner.Upload(ctx, s, staging)
	if err != nil {
		p.dropPending(pending)
		metrics.RecordCASUpload("failed")
		return nil, false, err
	}

	digests := map[string]string{}
	for algo, h := range hashes {
		if digests[algo], err = h.HexDigest(); err != nil {
			p.dropPending(pending)
			return nil, false, provider.Wrap(provider.KindUpload, path.Materialized(), err)
		}
	}
	digest := digests["sha256"]
	log = log.With("digest", digest)

	// VERIFYING
	log.Debug("cas upload", "state", StateVerifying)
	existing, err := provider.Exists(ctx, p.inner, digestPath(digest))
	if err != nil {
		p.dropPending(pending)
		return nil, false, err
	}

	promoted := existing == nil
	if promoted {
		log.Debug("cas upload", "state", StatePromoting)
		if _, _, err := provider.Move(ctx, p.inner, staging, p.inner, digestPath(digest), provider.ConflictReplace); err != nil {
			p.dropPending(pending)
			if derr := p.inner.Delete(ctx, staging); derr != nil && !provider.IsNotFound(derr) {
				log.Warn("could not remove staged copy", "staging", stagingName, "error", derr)
			}
			metrics.RecordCASUpload("failed")
			return nil, false, err
		}
	} else {
		log.Debug("cas upload", "state", StateDeduped)
		if err := p.inner.Delete(ctx, staging); err != nil {
			log.Warn("could not remove staged copy", "staging", stagingName, "error", err)
		}
	}
	p.settleMirror(pending, digest)

	// DONE
	rec := Record{
		Name:   path.Materialized(),
		Kind:   provider.KindFile,
		Digest: digest,
		MD5:    digests["md5"],
		SHA1:   digests["sha1"],
		Size:   staged.Size,
	}
	created, err := p.recorder.Commit(ctx, rec)
	if err != nil {
		return nil, false, provider.NewError(provider.KindUpload, 502, path.Materialized(), "stored content but could not record it", err)
	}
	if promoted {
		metrics.RecordCASUpload("promoted")
		p.enqueueSideTasks(log, digest)
	} else {
		metrics.RecordCASUpload(StateDeduped)
	}
	log.Info("cas upload", "state", StateDone, "deduped", !promoted, "size", rec.Size)

	committed, err := p.recorder.Lookup(ctx, rec.Name)
	if err != nil {
		committed = &rec
	}
	return p.toMetadata(path, *committed), created, nil
}

// settleMirror moves the pending local copy into complete storage, or drops
// it when complete storage already holds the digest.
func (p *Provider) settleMirror(pending *streams.FileSink, digest string) {
	if pending == nil {
		return
	}
	pending.Close()
	complete := p.CompletePath(digest)
	if _, err := os.Stat(complete); err == nil {
		p.dropPending(pending)
		return
	}
	if err := os.Rename(pending.Path(), complete); err != nil {
		slog.Warn("could not promote local mirror copy", "digest", digest, "error", err)
		p.dropPending(pending)
	}
}

func (p *Provider) dropPending(pending *streams.FileSink) {
	if pending == nil {
		return
	}
	pending.Close()
	if err := os.Remove(pending.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not remove pending file", "path", pending.Path(), "error", err)
	}
}

func (p *Provider) enqueueSideTasks(log *slog.Logger, digest string) {
	if p.queue == nil || !p.mirrored() {
		return
	}
	for _, kind := range p.cfg.SideTasks {
		job := tasks.Job{Kind: kind, Digest: digest, LocalPath: p.CompletePath(digest)}
		if err := p.queue.Enqueue(job); err != nil {
			log.Warn("side task not queued", "kind", kind, "error", err)
		}
	}
}

func (p *Provider) toMetadata(path *provider.Path, rec Record) *provider.Metadata {
	if rec.IsFolder() {
		return provider.FolderMetadata(p.Name(), path)
	}
	md := provider.FileMetadata(p.Name(), path, rec.Size, rec.Modified)
	md.ETag = rec.Digest
	md.Extra["hashes"] = map[string]string{"md5": rec.MD5, "sha1": rec.SHA1, "sha256": rec.Digest}
	md.Extra["version"] = rec.Version
	return md
}

func (p *Provider) Download(ctx context.Context, path *provider.Path) (streams.Stream, error) {
	if path.IsDir() {
		return nil, provider.NewError(provider.KindDownload, 400, path.Materialized(), "cannot download a folder", nil)
	}
	rec, err := p.recorder.Lookup(ctx, path.Materialized())
	if err != nil {
		return nil, p.recordError(provider.KindDownload, path, err)
	}
	return p.inner.Download(ctx, digestPath(rec.Digest))
}

// Delete drops the logical name. The stored object stays, since other
// names may point at the same digest.
func (p *Provider) Delete(ctx context.Context, path *provider.Path) error {
	if path.IsRoot() {
		return provider.NewError(provider.KindDelete, 400, "/", "refusing to delete the root", nil)
	}
	if err := p.recorder.Remove(ctx, path.Materialized()); err != nil {
		return p.recordError(provider.KindDelete, path, err)
	}
	return nil
}

func (p *Provider) Metadata(ctx context.Context, path *provider.Path) (*provider.Metadata, error) {
	if path.IsFile() {
		rec, err := p.recorder.Lookup(ctx, path.Materialized())
		if err != nil {
			return nil, p.recordError(provider.KindMetadata, path, err)
		}
		return p.toMetadata(path, *rec), nil
	}
	children, err := p.recorder.List(ctx, path.Materialized())
	if err != nil {
		return nil, p.recordError(provider.KindMetadata, path, err)
	}
	folder := provider.FolderMetadata(p.Name(), path)
	for _, rec := range children {
		name := trimSlash(rec.Name[len(path.Materialized()):])
		folder.Children = append(folder.Children, p.toMetadata(path.Child(name, rec.IsFolder()), rec))
	}
	return folder, nil
}

func (p *Provider) Revisions(ctx context.Context, path *provider.Path) ([]provider.Revision, error) {
	versions, err := p.recorder.Versions(ctx, path.Materialized())
	if err != nil {
		return nil, p.recordError(provider.KindRevisions, path, err)
	}
	revisions := make([]provider.Revision, len(versions))
	for i, v := range versions {
		modified := v.Modified
		revisions[i] = provider.Revision{
			Version:  strconv.Itoa(v.Version),
			Modified: &modified,
			Extra:    map[string]any{"sha256": v.Digest, "size": v.Size},
		}
	}
	return revisions, nil
}

func (p *Provider) CreateFolder(ctx context.Context, path *provider.Path) (*provider.Metadata, error) {
	if !path.IsDir() {
		return nil, provider.NewError(provider.KindCreateFolder, 400, path.Materialized(), "path must be a folder", nil)
	}
	if err := p.recorder.MakeFolder(ctx, path.Materialized()); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return nil, provider.FolderNamingConflict(path.Materialized(), path.Name())
		}
		return nil, provider.Wrap(provider.KindCreateFolder, path.Materialized(), err)
	}
	return provider.FolderMetadata(p.Name(), path), nil
}

func (p *Provider) CanIntraCopy(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(p, dest)
}

// IntraCopy writes new records pointing at the existing digests; no
// content moves.
func (p *Provider) IntraCopy(ctx context.Context, _ provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	if src.IsFile() {
		rec, err := p.recorder.Lookup(ctx, src.Materialized())
		if err != nil {
			return nil, false, p.recordError(provider.KindIntraCopy, src, err)
		}
		rec.Name = dst.Materialized()
		created, err := p.recorder.Commit(ctx, *rec)
		if err != nil {
			return nil, false, err
		}
		md, err := p.Metadata(ctx, dst)
		return md, created, err
	}

	// The listing is taken before dst exists so a copy into a descendant
	// never sees its own output.
	children, err := p.recorder.List(ctx, src.Materialized())
	if err != nil {
		return nil, false, p.recordError(provider.KindIntraCopy, src, err)
	}
	_, err = p.recorder.List(ctx, dst.Materialized())
	created := errors.Is(err, ErrRecordNotFound)
	if created {
		if err := p.recorder.MakeFolder(ctx, dst.Materialized()); err != nil {
			return nil, false, err
		}
	}
	for _, rec := range children {
		name := rec.Name[len(src.Materialized()):]
		isDir := rec.IsFolder()
		childSrc := src.Child(trimSlash(name), isDir)
		childDst := dst.Child(trimSlash(name), isDir)
		if _, _, err := p.IntraCopy(ctx, p, childSrc, childDst); err != nil {
			return nil, false, err
		}
	}
	md, err := p.Metadata(ctx, dst)
	return md, created, err
}

func (p *Provider) CanIntraMove(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(p, dest)
}

func (p *Provider) IntraMove(ctx context.Context, dest provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	md, created, err := p.IntraCopy(ctx, dest, src, dst)
	if err != nil {
		return nil, false, err
	}
	if err := p.recorder.Remove(ctx, src.Materialized()); err != nil {
		return md, created, p.recordError(provider.KindIntraMove, src, err)
	}
	return md, created, nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[len(name)-1] == '/' {
		return name[:len(name)-1]
	}
	return name
}
