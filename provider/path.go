package provider

import (
	"fmt"
	"net/url"
	pathpkg "path"
	"regexp"
	"strconv"
	"strings"
)

// PathPart is one segment of a Path.
type PathPart struct {
	Raw        string // wire form, as it appeared in the request
	Value      string // decoded display form
	Identifier string // backend id, empty until known
}

// Path identifies a location in one provider's namespace. The first part is
// always the root; a Path with a single part is the root itself.
type Path struct {
	parts  []PathPart
	folder bool
}

// ValidatePath checks that raw is an absolute, normalized path.
func ValidatePath(raw string) error {
	switch {
	case raw == "":
		return InvalidPath(raw, "path must not be empty")
	case !strings.HasPrefix(raw, "/"):
		return InvalidPath(raw, "path must start with /")
	case strings.Contains(raw, "//"):
		return InvalidPath(raw, "path must not contain //")
	}
	trimmed := raw
	if len(trimmed) > 1 {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	if pathpkg.Clean(trimmed) != trimmed {
		return InvalidPath(raw, "path must be normalized")
	}
	return nil
}

// NewPath validates raw and splits it into parts. Identifiers, when given,
// are assigned to parts starting at the root.
func NewPath(raw string, identifiers ...string) (*Path, error) {
	if err := ValidatePath(raw); err != nil {
		return nil, err
	}
	p := &Path{folder: strings.HasSuffix(raw, "/")}
	segments := []string{""}
	if trimmed := strings.Trim(raw, "/"); trimmed != "" {
		segments = append(segments, strings.Split(trimmed, "/")...)
	}
	for i, seg := range segments {
		value, err := url.PathUnescape(seg)
		if err != nil {
			return nil, InvalidPath(raw, fmt.Sprintf("bad escape in %q", seg))
		}
		if value == "." || value == ".." || strings.Contains(value, "/") {
			return nil, InvalidPath(raw, "path must be normalized")
		}
		part := PathPart{Raw: seg, Value: value}
		if i < len(identifiers) {
			part.Identifier = identifiers[i]
		}
		p.parts = append(p.parts, part)
	}
	return p, nil
}

// MustPath is NewPath for constant paths; it panics on invalid input.
func MustPath(raw string) *Path {
	p, err := NewPath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// RootPath returns the root of a namespace.
func RootPath() *Path {
	return &Path{parts: []PathPart{{}}, folder: true}
}

func (p *Path) Parts() []PathPart {
	out := make([]PathPart, len(p.parts))
	copy(out, p.parts)
	return out
}

func (p *Path) IsRoot() bool { return len(p.parts) == 1 }
func (p *Path) IsDir() bool  { return p.folder }
func (p *Path) IsFile() bool { return !p.folder }

// Name is the decoded name of the last part; empty for the root.
func (p *Path) Name() string { return p.parts[len(p.parts)-1].Value }

// Identifier is the backend id of the last part, if known.
func (p *Path) Identifier() string { return p.parts[len(p.parts)-1].Identifier }

// SetIdentifier back-fills the backend id of the last part once the backend
// has confirmed it.
func (p *Path) SetIdentifier(id string) { p.parts[len(p.parts)-1].Identifier = id }

// Ext is the extension of the name, including the dot.
func (p *Path) Ext() string { return pathpkg.Ext(p.Name()) }

// String is the wire form. Folders end with "/".
func (p *Path) String() string {
	return p.join(func(part PathPart) string { return part.Raw })
}

// Materialized is the decoded display form.
func (p *Path) Materialized() string {
	return p.join(func(part PathPart) string { return part.Value })
}

func (p *Path) join(field func(PathPart) string) string {
	if p.IsRoot() {
		return "/"
	}
	segs := make([]string, 0, len(p.parts)-1)
	for _, part := range p.parts[1:] {
		segs = append(segs, field(part))
	}
	out := "/" + strings.Join(segs, "/")
	if p.folder {
		out += "/"
	}
	return out
}

// Parent is the enclosing folder, or nil for the root.
func (p *Path) Parent() *Path {
	if p.IsRoot() {
		return nil
	}
	parts := make([]PathPart, len(p.parts)-1)
	copy(parts, p.parts)
	return &Path{parts: parts, folder: true}
}

// Child appends one part named name.
func (p *Path) Child(name string, folder bool) *Path {
	parts := make([]PathPart, len(p.parts), len(p.parts)+1)
	copy(parts, p.parts)
	parts = append(parts, PathPart{Raw: url.PathEscape(name), Value: name})
	return &Path{parts: parts, folder: folder}
}

// Clone returns an independent copy.
func (p *Path) Clone() *Path {
	return &Path{parts: p.Parts(), folder: p.folder}
}

var incrementPattern = regexp.MustCompile(`^(.*?) \((\d+)\)$`)

// IncrementName renames the last part to the next free-looking variant:
// "a.txt" becomes "a (1).txt", "a (1).txt" becomes "a (2).txt". The backend
// identifier is cleared since the renamed entry does not exist yet.
func (p *Path) IncrementName() {
	last := &p.parts[len(p.parts)-1]
	name := last.Value
	ext := ""
	if !p.folder {
		ext = pathpkg.Ext(name)
		name = strings.TrimSuffix(name, ext)
	}
	next := 1
	if m := incrementPattern.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		name, next = m[1], n+1
	}
	last.Value = fmt.Sprintf("%s (%d)%s", name, next, ext)
	last.Raw = url.PathEscape(last.Value)
	last.Identifier = ""
}
