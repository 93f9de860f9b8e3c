// Package provider defines the contract every storage backend adapter
// implements, and the generic copy and move built on top of it.
package provider

import (
	"context"
	"time"

	"storagegate/streams"
)

const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Metadata describes one file or folder. Folder metadata returned by
// Provider.Metadata carries the folder's direct children.
type Metadata struct {
	Provider         string         `json:"provider"`
	Kind             string         `json:"kind"`
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	MaterializedPath string         `json:"materialized_path"`
	Size             int64          `json:"size,omitempty"`
	Modified         *time.Time     `json:"modified,omitempty"`
	ContentType      string         `json:"contentType,omitempty"`
	ETag             string         `json:"etag,omitempty"`
	Extra            map[string]any `json:"extra"`
	Children         []*Metadata    `json:"-"`
}

func (m *Metadata) IsFolder() bool { return m.Kind == KindFolder }

// FileMetadata fills the fields common to every file entry.
func FileMetadata(providerName string, p *Path, size int64, modified time.Time) *Metadata {
	md := &Metadata{
		Provider:         providerName,
		Kind:             KindFile,
		Name:             p.Name(),
		Path:             p.String(),
		MaterializedPath: p.Materialized(),
		Size:             size,
		Extra:            map[string]any{},
	}
	if !modified.IsZero() {
		t := modified.UTC()
		md.Modified = &t
	}
	return md
}

// FolderMetadata fills the fields common to every folder entry.
func FolderMetadata(providerName string, p *Path) *Metadata {
	return &Metadata{
		Provider:         providerName,
		Kind:             KindFolder,
		Name:             p.Name(),
		Path:             p.String(),
		MaterializedPath: p.Materialized(),
		Extra:            map[string]any{},
	}
}

// Revision is one historical version of a file.
type Revision struct {
	Version  string         `json:"version"`
	Modified *time.Time     `json:"modified,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Auth is the acting-user context a provider instance was built for.
type Auth struct {
	UserID string
	Name   string
}

// Identity names the account a provider instance talks to. Two providers
// with equal identities address the same backend namespace, which is what
// gates backend-native copy and move.
type Identity struct {
	Provider string
	Account  string
}

// Provider is implemented by every storage backend adapter.
//
// Upload always consumes the stream in full and reports whether nothing
// existed at the path before. Metadata on a folder returns the folder entry
// with its direct children. Delete on a folder is recursive.
type Provider interface {
	Name() string
	Identity() Identity
	ValidatePath(ctx context.Context, raw string) (*Path, error)

	Download(ctx context.Context, path *Path) (streams.Stream, error)
	Upload(ctx context.Context, stream streams.Stream, path *Path) (*Metadata, bool, error)
	Delete(ctx context.Context, path *Path) error
	Metadata(ctx context.Context, path *Path) (*Metadata, error)
	Revisions(ctx context.Context, path *Path) ([]Revision, error)
	CreateFolder(ctx context.Context, path *Path) (*Metadata, error)
}

// IntraCopier is implemented by providers with a backend-native copy.
type IntraCopier interface {
	CanIntraCopy(dest Provider, path *Path) bool
	IntraCopy(ctx context.Context, dest Provider, src, dst *Path) (*Metadata, bool, error)
}

// IntraMover is implemented by providers with a backend-native move.
type IntraMover interface {
	CanIntraMove(dest Provider, path *Path) bool
	IntraMove(ctx context.Context, dest Provider, src, dst *Path) (*Metadata, bool, error)
}

// Base holds what every adapter shares: the acting user and the account
// identity. Adapters embed it to pick up the default ValidatePath and
// Revisions.
type Base struct {
	Auth     Auth
	identity Identity
}

func NewBase(auth Auth, identity Identity) Base {
	return Base{Auth: auth, identity: identity}
}

func (b Base) Identity() Identity { return b.identity }

// ValidatePath parses raw without consulting the backend.
func (b Base) ValidatePath(_ context.Context, raw string) (*Path, error) {
	return NewPath(raw)
}

// Revisions defaults to an empty history.
func (b Base) Revisions(context.Context, *Path) ([]Revision, error) {
	return []Revision{}, nil
}

// SameAccount reports whether a and b address the same backend account.
func SameAccount(a, b Provider) bool {
	return a.Identity() == b.Identity()
}

// Exists returns the metadata at path, or nil if nothing is there.
func Exists(ctx context.Context, p Provider, path *Path) (*Metadata, error) {
	md, err := p.Metadata(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return md, nil
}
