package tasks

import (
	"context"
	"errors"
	"io/fs"

	"storagegate/provider"
	"storagegate/streams"
)

// Backup copies a completed upload from the local mirror to an archive
// provider, keyed by digest. Objects already archived are skipped.
type Backup struct {
	Target provider.Provider
}

func (b *Backup) Handle(ctx context.Context, job Job) error {
	dst := provider.RootPath().Child(job.Digest, false)
	existing, err := provider.Exists(ctx, b.Target, dst)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	s, err := streams.OpenFile(job.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Permanent(err)
		}
		return err
	}
	defer s.Close()
	_, _, err = b.Target.Upload(ctx, s, dst)
	return err
}
