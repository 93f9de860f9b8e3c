package cas

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"storagegate/provider"
)

// FileRecord is the current mapping for one logical name.
type FileRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:768;not null"`
	Kind      string `gorm:"size:16;not null"`
	Digest    string `gorm:"size:64;index"`
	MD5       string `gorm:"size:32"`
	SHA1      string `gorm:"size:40"`
	SizeBytes int64
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VersionRecord is one committed version of a logical name.
type VersionRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:768;index;not null"`
	Digest    string `gorm:"size:64"`
	MD5       string `gorm:"size:32"`
	SHA1      string `gorm:"size:40"`
	SizeBytes int64
	Version   int
	CreatedAt time.Time
}

// GormRecorder persists records through gorm.
type GormRecorder struct {
	db *gorm.DB
}

// NewGormRecorder migrates the record tables and returns a recorder.
func NewGormRecorder(db *gorm.DB) (*GormRecorder, error) {
	if err := db.AutoMigrate(&FileRecord{}, &VersionRecord{}); err != nil {
		return nil, err
	}
	return &GormRecorder{db: db}, nil
}

func (f FileRecord) toRecord() Record {
	return Record{
		Name: f.Name, Kind: f.Kind, Digest: f.Digest, MD5: f.MD5, SHA1: f.SHA1,
		Size: f.SizeBytes, Version: f.Version, Modified: f.UpdatedAt.UTC(),
	}
}

func (g *GormRecorder) Commit(ctx context.Context, rec Record) (bool, error) {
	created := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row FileRecord
		err := tx.Where("name = ?", rec.Name).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			row = FileRecord{Name: rec.Name}
		case err != nil:
			return err
		}
		row.Kind = provider.KindFile
		row.Digest, row.MD5, row.SHA1 = rec.Digest, rec.MD5, rec.SHA1
		row.SizeBytes = rec.Size
		row.Version++
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		return tx.Create(&VersionRecord{
			Name: rec.Name, Digest: rec.Digest, MD5: rec.MD5, SHA1: rec.SHA1,
			SizeBytes: rec.Size, Version: row.Version,
		}).Error
	})
	return created, err
}

func (g *GormRecorder) Lookup(ctx context.Context, name string) (*Record, error) {
	var row FileRecord
	if err := g.db.WithContext(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	rec := row.toRecord()
	return &rec, nil
}

func (g *GormRecorder) under(ctx context.Context, prefix string) *gorm.DB {
	return g.db.WithContext(ctx).Where("name LIKE ? ESCAPE '!'", likePrefix(prefix))
}

func (g *GormRecorder) List(ctx context.Context, folder string) ([]Record, error) {
	var rows []FileRecord
	if err := g.under(ctx, folder).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	all := make([]Record, len(rows))
	for i, r := range rows {
		all[i] = r.toRecord()
	}
	children, exists := directChildren(folder, all)
	if !exists {
		return nil, ErrRecordNotFound
	}
	return children, nil
}

func (g *GormRecorder) Versions(ctx context.Context, name string) ([]Record, error) {
	var rows []VersionRecord
	if err := g.db.WithContext(ctx).Where("name = ?", name).Order("version desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRecordNotFound
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{
			Name: r.Name, Kind: provider.KindFile, Digest: r.Digest, MD5: r.MD5, SHA1: r.SHA1,
			Size: r.SizeBytes, Version: r.Version, Modified: r.CreatedAt.UTC(),
		}
	}
	return out, nil
}

func (g *GormRecorder) Remove(ctx context.Context, name string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		files, versions := tx.Where("name = ?", name), tx.Where("name = ?", name)
		if strings.HasSuffix(name, "/") {
			pattern := likePrefix(name)
			files = tx.Where("name LIKE ? ESCAPE '!'", pattern)
			versions = tx.Where("name LIKE ? ESCAPE '!'", pattern)
		}
		res := files.Delete(&FileRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		return versions.Delete(&VersionRecord{}).Error
	})
}

func (g *GormRecorder) MakeFolder(ctx context.Context, name string) error {
	var count int64
	if err := g.under(ctx, name).Model(&FileRecord{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrRecordExists
	}
	return g.db.WithContext(ctx).Create(&FileRecord{Name: name, Kind: provider.KindFolder}).Error
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix) + "%"
}
