package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"

	"storagegate/provider"
	"storagegate/streams"
)

// Parity writes Reed-Solomon parity shards for a completed upload. Only the
// parity shards are kept: the data shards can be re-split from the file
// itself when a repair is needed.
type Parity struct {
	DataShards   int
	ParityShards int
	// Dir receives <digest>/<n>.parity files.
	Dir string
	// Target, if set, also receives the shards under /parity/<digest>/.
	Target provider.Provider
}

// ShardPath is where shard n of digest is written locally.
func (p *Parity) ShardPath(digest string, n int) string {
	return filepath.Join(p.Dir, digest, fmt.Sprintf("%d.parity", n))
}

func (p *Parity) Handle(ctx context.Context, job Job) error {
	enc, err := reedsolomon.NewStream(p.DataShards, p.ParityShards)
	if err != nil {
		return Permanent(err)
	}
	src, err := os.Open(job.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Permanent(err)
		}
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	work, err := os.MkdirTemp(p.Dir, ".split-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	data, err := createShards(work, "data", p.DataShards)
	if err != nil {
		return err
	}
	defer closeAll(data)
	if err := enc.Split(src, writers(data), info.Size()); err != nil {
		return fmt.Errorf("split %s: %w", job.Digest, err)
	}
	for _, f := range data {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	out := filepath.Join(p.Dir, job.Digest)
	if err := os.MkdirAll(out, os.ModePerm); err != nil {
		return err
	}
	parity := make([]*os.File, p.ParityShards)
	for i := range parity {
		if parity[i], err = os.Create(p.ShardPath(job.Digest, i)); err != nil {
			closeAll(parity[:i])
			return err
		}
	}
	encodeErr := enc.Encode(readers(data), writers(parity))
	closeErr := closeAll(parity)
	if err := errors.Join(encodeErr, closeErr); err != nil {
		return fmt.Errorf("encode parity for %s: %w", job.Digest, err)
	}

	if p.Target != nil {
		return p.upload(ctx, job.Digest)
	}
	return nil
}

func (p *Parity) upload(ctx context.Context, digest string) error {
	folder := provider.RootPath().Child("parity", true).Child(digest, true)
	for i := 0; i < p.ParityShards; i++ {
		s, err := streams.OpenFile(p.ShardPath(digest, i))
		if err != nil {
			return err
		}
		_, _, err = p.Target.Upload(ctx, s, folder.Child(fmt.Sprintf("%d.parity", i), false))
		s.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func createShards(dir, prefix string, n int) ([]*os.File, error) {
	files := make([]*os.File, n)
	for i := range files {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s.%d", prefix, i)))
		if err != nil {
			closeAll(files[:i])
			return nil, err
		}
		files[i] = f
	}
	return files, nil
}

func writers(files []*os.File) []io.Writer {
	out := make([]io.Writer, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}

func readers(files []*os.File) []io.Reader {
	out := make([]io.Reader, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}

func closeAll(files []*os.File) error {
	var errs []error
	for _, f := range files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
