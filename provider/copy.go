package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Conflict selects what copy and move do when the destination is taken.
type Conflict string

const (
	ConflictReplace Conflict = "replace"
	ConflictKeep    Conflict = "keep"
	ConflictWarn    Conflict = "warn"
)

// ParseConflict maps a request parameter to a Conflict, defaulting to
// replace.
func ParseConflict(s string) (Conflict, error) {
	switch Conflict(s) {
	case "", ConflictReplace:
		return ConflictReplace, nil
	case ConflictKeep, ConflictWarn:
		return Conflict(s), nil
	default:
		return "", InvalidPath(s, fmt.Sprintf("conflict must be one of replace, keep, warn; got %q", s))
	}
}

// CapabilityKind tags the result of negotiating a fast path.
type CapabilityKind int

const (
	Unsupported CapabilityKind = iota
	FastPath
)

func (k CapabilityKind) String() string {
	if k == FastPath {
		return "fast_path"
	}
	return "unsupported"
}

// Transfer runs a backend-native copy or move to dst.
type Transfer func(ctx context.Context, dst *Path) (*Metadata, bool, error)

// Capability is what a source provider offers for one copy or move. When
// Kind is FastPath, Run performs the native operation.
type Capability struct {
	Kind CapabilityKind
	Run  Transfer
}

// NegotiateCopy asks src once whether it can copy path to dest natively.
func NegotiateCopy(src, dest Provider, path *Path) Capability {
	c, ok := src.(IntraCopier)
	if !ok || !c.CanIntraCopy(dest, path) {
		return Capability{Kind: Unsupported}
	}
	return Capability{Kind: FastPath, Run: func(ctx context.Context, dst *Path) (*Metadata, bool, error) {
		md, created, err := c.IntraCopy(ctx, dest, path, dst)
		return md, created, Wrap(KindIntraCopy, path.String(), err)
	}}
}

// NegotiateMove asks src once whether it can move path to dest natively.
func NegotiateMove(src, dest Provider, path *Path) Capability {
	m, ok := src.(IntraMover)
	if !ok || !m.CanIntraMove(dest, path) {
		return Capability{Kind: Unsupported}
	}
	return Capability{Kind: FastPath, Run: func(ctx context.Context, dst *Path) (*Metadata, bool, error) {
		md, created, err := m.IntraMove(ctx, dest, path, dst)
		return md, created, Wrap(KindIntraMove, path.String(), err)
	}}
}

// HandleNaming resolves the final destination under conflict. It returns
// the path to write to and whether something already existed there.
func HandleNaming(ctx context.Context, dest Provider, dst *Path, conflict Conflict) (*Path, bool, error) {
	target := dst.Clone()
	existing, err := Exists(ctx, dest, target)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return target, false, nil
	}
	switch conflict {
	case ConflictWarn:
		return nil, true, NamingConflict(target.Materialized())
	case ConflictKeep:
		for existing != nil {
			target.IncrementName()
			if existing, err = Exists(ctx, dest, target); err != nil {
				return nil, false, err
			}
		}
		return target, false, nil
	default:
		// Files are overwritten in place; a folder is cleared so the result
		// holds only what was copied.
		if existing.IsFolder() {
			if err := dest.Delete(ctx, target); err != nil {
				return nil, true, err
			}
		}
		return target, true, nil
	}
}

// checkOverlap rejects a destination on the same account that is the
// source or, for a folder, anywhere beneath it.
func checkOverlap(src Provider, srcPath *Path, dest Provider, dstPath *Path) error {
	if !SameAccount(src, dest) {
		return nil
	}
	from, to := srcPath.Materialized(), dstPath.Materialized()
	if from == to || (srcPath.IsDir() && strings.HasPrefix(to, from)) {
		return OverlapConflict(from, to)
	}
	return nil
}

// Copy copies srcPath on src to dstPath on dest. A backend-native fast path
// is used when src offers one; otherwise the bytes are streamed through the
// gateway, one chunk at a time. The returned bool is true when nothing
// existed at the destination before.
func Copy(ctx context.Context, src Provider, srcPath *Path, dest Provider, dstPath *Path, conflict Conflict) (*Metadata, bool, error) {
	if err := checkOverlap(src, srcPath, dest, dstPath); err != nil {
		return nil, false, err
	}
	target, existed, err := HandleNaming(ctx, dest, dstPath, conflict)
	if err != nil {
		return nil, false, err
	}
	capability := NegotiateCopy(src, dest, srcPath)
	if capability.Kind == FastPath {
		slog.Debug("copy via fast path", "provider", src.Name(), "src", srcPath.String(), "dst", target.String())
		return capability.Run(ctx, target)
	}
	md, err := streamCopy(ctx, src, srcPath, dest, target)
	if err != nil {
		return nil, false, err
	}
	return md, !existed, nil
}

// Move moves srcPath on src to dstPath on dest. Without a native move it
// copies and then deletes the source; the source is never touched unless the
// copy succeeded.
func Move(ctx context.Context, src Provider, srcPath *Path, dest Provider, dstPath *Path, conflict Conflict) (*Metadata, bool, error) {
	if err := checkOverlap(src, srcPath, dest, dstPath); err != nil {
		return nil, false, err
	}
	target, existed, err := HandleNaming(ctx, dest, dstPath, conflict)
	if err != nil {
		return nil, false, err
	}
	capability := NegotiateMove(src, dest, srcPath)
	if capability.Kind == FastPath {
		slog.Debug("move via fast path", "provider", src.Name(), "src", srcPath.String(), "dst", target.String())
		return capability.Run(ctx, target)
	}

	var md *Metadata
	if copyCap := NegotiateCopy(src, dest, srcPath); copyCap.Kind == FastPath {
		md, _, err = copyCap.Run(ctx, target)
	} else {
		md, err = streamCopy(ctx, src, srcPath, dest, target)
	}
	if err != nil {
		return nil, false, err
	}
	if err := src.Delete(ctx, srcPath); err != nil {
		return md, !existed, err
	}
	return md, !existed, nil
}

// streamCopy pipes a download from src straight into an upload on dest.
// Folders are recreated and their children copied one by one.
func streamCopy(ctx context.Context, src Provider, srcPath *Path, dest Provider, dst *Path) (*Metadata, error) {
	if srcPath.IsDir() {
		return copyFolder(ctx, src, srcPath, dest, dst)
	}
	stream, err := src.Download(ctx, srcPath)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	md, _, err := dest.Upload(ctx, stream, dst)
	return md, err
}

func copyFolder(ctx context.Context, src Provider, srcPath *Path, dest Provider, dst *Path) (*Metadata, error) {
	listing, err := src.Metadata(ctx, srcPath)
	if err != nil {
		return nil, err
	}
	folder, err := dest.CreateFolder(ctx, dst)
	if err != nil {
		return nil, err
	}
	for _, child := range listing.Children {
		isDir := child.IsFolder()
		childSrc := srcPath.Child(child.Name, isDir)
		childDst := dst.Child(child.Name, isDir)
		var md *Metadata
		if c := NegotiateCopy(src, dest, childSrc); c.Kind == FastPath {
			md, _, err = c.Run(ctx, childDst)
		} else {
			md, err = streamCopy(ctx, src, childSrc, dest, childDst)
		}
		if err != nil {
			return nil, err
		}
		folder.Children = append(folder.Children, md)
	}
	return folder, nil
}
