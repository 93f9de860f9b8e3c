// Package storage holds the backend adapters that implement the provider
// contract: a local filesystem tree, an S3 bucket and a WebDAV share.
package storage

import (
	"fmt"
	"strings"

	"storagegate/provider"
)

const (
	TypeLocal  = "local"
	TypeS3     = "s3"
	TypeWebDAV = "webdav"
)

type Settings struct {
	Type      string         `mapstructure:"Type"`
	LocalPath string         `mapstructure:"LocalPath"`
	S3        S3Settings     `mapstructure:"S3"`
	WebDAV    WebDAVSettings `mapstructure:"WebDAV"`
}

type S3Settings struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	UsePathStyle    bool   `mapstructure:"UsePathStyle"`
	// StorageClass is applied to every object written, e.g. GLACIER for an
	// archive target.
	StorageClass string `mapstructure:"StorageClass"`
}

type WebDAVSettings struct {
	URL      string `mapstructure:"URL"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// New builds the adapter selected by settings.Type for the given user.
func New(settings Settings, auth provider.Auth) (provider.Provider, error) {
	switch strings.ToLower(settings.Type) {
	case TypeLocal:
		return NewLocalStorage(auth, settings.LocalPath)
	case TypeS3:
		return NewS3Storage(auth, settings.S3)
	case TypeWebDAV:
		return NewWebDAVStorage(auth, settings.WebDAV)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", settings.Type)
	}
}
