package cas

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"storagegate/provider"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrRecordExists   = errors.New("record already exists")
)

// Record maps one logical name to the digest of its content. Folder names
// end in "/" and carry no digest.
type Record struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Digest   string    `json:"digest,omitempty"`
	MD5      string    `json:"md5,omitempty"`
	SHA1     string    `json:"sha1,omitempty"`
	Size     int64     `json:"size"`
	Version  int       `json:"version"`
	Modified time.Time `json:"modified"`
}

func (r Record) IsFolder() bool { return r.Kind == provider.KindFolder }

// Recorder stores the logical name to digest mapping. Commit returns true
// when the name had no record before.
type Recorder interface {
	Commit(ctx context.Context, rec Record) (bool, error)
	Lookup(ctx context.Context, name string) (*Record, error)
	List(ctx context.Context, folder string) ([]Record, error)
	Versions(ctx context.Context, name string) ([]Record, error)
	Remove(ctx context.Context, name string) error
	MakeFolder(ctx context.Context, name string) error
}

// directChildren derives the immediate children of folder from records at
// any depth below it. Folders that exist only as a prefix are synthesized.
// The bool reports whether folder exists at all.
func directChildren(folder string, records []Record) ([]Record, bool) {
	exists := folder == "/"
	index := map[string]int{}
	var out []Record
	add := func(r Record, real bool) {
		if i, ok := index[r.Name]; ok {
			if real {
				out[i] = r
			}
			return
		}
		index[r.Name] = len(out)
		out = append(out, r)
	}
	for _, r := range records {
		if !strings.HasPrefix(r.Name, folder) {
			continue
		}
		exists = true
		rest := r.Name[len(folder):]
		if rest == "" {
			continue
		}
		i := strings.Index(rest, "/")
		switch {
		case i < 0:
			add(r, true)
		case i == len(rest)-1:
			add(r, true)
		default:
			add(Record{Name: folder + rest[:i+1], Kind: provider.KindFolder}, false)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, exists
}
