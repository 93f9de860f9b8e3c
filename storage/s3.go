package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"storagegate/provider"
	"storagegate/streams"
)

// partSize is the smallest part S3 accepts in a multipart upload. It is also
// the most an upload ever holds in memory.
const partSize = 5 << 20

// S3API is the subset of the S3 client the adapter calls.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, opts ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type S3Storage struct {
	provider.Base
	client       S3API
	bucket       string
	storageClass types.StorageClass
}

func NewS3Storage(auth provider.Auth, settings S3Settings) (*S3Storage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(settings.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if settings.Endpoint != "" {
					return aws.Endpoint{URL: settings.Endpoint}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			},
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load S3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = settings.UsePathStyle })
	slog.Info("using S3 object storage", "endpoint", settings.Endpoint, "bucket", settings.Bucket)
	return NewS3StorageWithClient(auth, client, settings), nil
}

// NewS3StorageWithClient wires an adapter around an existing client.
func NewS3StorageWithClient(auth provider.Auth, client S3API, settings S3Settings) *S3Storage {
	return &S3Storage{
		Base:         provider.NewBase(auth, provider.Identity{Provider: TypeS3, Account: settings.Endpoint + "/" + settings.Bucket}),
		client:       client,
		bucket:       settings.Bucket,
		storageClass: types.StorageClass(settings.StorageClass),
	}
}

func (s *S3Storage) Name() string { return TypeS3 }

func (s *S3Storage) key(p *provider.Path) string {
	return strings.TrimPrefix(p.Materialized(), "/")
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Storage) Download(ctx context.Context, p *provider.Path) (streams.Stream, error) {
	if p.IsDir() {
		return nil, provider.NewError(provider.KindDownload, 400, p.Materialized(), "cannot download a folder", nil)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))})
	if err != nil {
		if isS3NotFound(err) {
			return nil, provider.NotFound(provider.KindDownload, p.Materialized())
		}
		return nil, provider.Wrap(provider.KindDownload, p.Materialized(), err)
	}
	return streams.NewReaderStream(out.Body, aws.ToInt64(out.ContentLength)), nil
}

// Upload sends bodies up to one part in a single PutObject and anything
// larger as a multipart upload, one part buffer at a time.
func (s *S3Storage) Upload(ctx context.Context, stream streams.Stream, p *provider.Path) (*provider.Metadata, bool, error) {
	key := s.key(p)
	_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	created := isS3NotFound(headErr)

	buf := make([]byte, partSize)
	n, err := io.ReadFull(stream, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
			StorageClass:  s.storageClass,
		})
	case err == nil:
		err = s.multipartUpload(ctx, key, stream, buf)
	}
	if err != nil {
		io.Copy(io.Discard, stream)
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	md, err := s.fileMetadata(ctx, p)
	if err != nil {
		return nil, false, provider.Wrap(provider.KindUpload, p.Materialized(), err)
	}
	return md, created, nil
}

// multipartUpload sends first as part one, then keeps refilling the same
// buffer from stream.
func (s *S3Storage) multipartUpload(ctx context.Context, key string, stream io.Reader, first []byte) error {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		StorageClass: s.storageClass,
	})
	if err != nil {
		return err
	}
	uploadID := out.UploadId
	abort := func(cause error) error {
		_, abortErr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket: aws.String(s.bucket), Key: aws.String(key), UploadId: uploadID,
		})
		if abortErr != nil {
			slog.Warn("abort multipart upload failed", "key", key, "error", abortErr)
		}
		return cause
	}

	var parts []types.CompletedPart
	chunk := first
	for number := int32(1); len(chunk) > 0; number++ {
		part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(chunk),
			ContentLength: aws.Int64(int64(len(chunk))),
		})
		if err != nil {
			return abort(err)
		}
		parts = append(parts, types.CompletedPart{ETag: part.ETag, PartNumber: aws.Int32(number)})

		n, err := io.ReadFull(stream, first)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return abort(err)
		}
		chunk = first[:n]
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(err)
	}
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, p *provider.Path) error {
	if p.IsRoot() {
		return provider.NewError(provider.KindDelete, 400, "/", "refusing to delete the bucket root", nil)
	}
	if p.IsFile() {
		if _, err := s.fileMetadata(ctx, p); err != nil {
			if isS3NotFound(err) {
				return provider.NotFound(provider.KindDelete, p.Materialized())
			}
			return provider.Wrap(provider.KindDelete, p.Materialized(), err)
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))}); err != nil {
			return provider.Wrap(provider.KindDelete, p.Materialized(), err)
		}
		return nil
	}

	deleted := 0
	err := s.eachObject(ctx, s.key(p), func(objects []types.Object) error {
		ids := make([]types.ObjectIdentifier, 0, len(objects))
		for _, o := range objects {
			ids = append(ids, types.ObjectIdentifier{Key: o.Key})
		}
		if len(ids) == 0 {
			return nil
		}
		deleted += len(ids)
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		return err
	})
	if err != nil {
		return provider.Wrap(provider.KindDelete, p.Materialized(), err)
	}
	if deleted == 0 {
		return provider.NotFound(provider.KindDelete, p.Materialized())
	}
	return nil
}

// eachObject pages through every object under prefix.
func (s *S3Storage) eachObject(ctx context.Context, prefix string, fn func([]types.Object) error) error {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return err
		}
		if err := fn(page.Contents); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Storage) Metadata(ctx context.Context, p *provider.Path) (*provider.Metadata, error) {
	if p.IsFile() {
		md, err := s.fileMetadata(ctx, p)
		if err != nil {
			if isS3NotFound(err) {
				return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
			}
			return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
		}
		return md, nil
	}

	prefix := s.key(p)
	folder := provider.FolderMetadata(s.Name(), p)
	found := p.IsRoot()
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, provider.Wrap(provider.KindMetadata, p.Materialized(), err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			folder.Children = append(folder.Children, provider.FolderMetadata(s.Name(), p.Child(name, true)))
		}
		for _, o := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(o.Key), prefix)
			if name == "" {
				// folder marker
				continue
			}
			md := provider.FileMetadata(s.Name(), p.Child(name, false), aws.ToInt64(o.Size), aws.ToTime(o.LastModified))
			md.ETag = strings.Trim(aws.ToString(o.ETag), `"`)
			folder.Children = append(folder.Children, md)
		}
	}
	if !found {
		return nil, provider.NotFound(provider.KindMetadata, p.Materialized())
	}
	return folder, nil
}

func (s *S3Storage) fileMetadata(ctx context.Context, p *provider.Path) (*provider.Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))})
	if err != nil {
		return nil, err
	}
	md := provider.FileMetadata(s.Name(), p, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified))
	md.ContentType = aws.ToString(out.ContentType)
	md.ETag = strings.Trim(aws.ToString(out.ETag), `"`)
	if out.StorageClass != "" {
		md.Extra["storageClass"] = string(out.StorageClass)
	}
	return md, nil
}

// Revisions lists object versions, newest first. Buckets without versioning
// report the single current version.
func (s *S3Storage) Revisions(ctx context.Context, p *provider.Path) ([]provider.Revision, error) {
	key := s.key(p)
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(s.bucket), Prefix: aws.String(key)}
	var revisions []provider.Revision
	for {
		out, err := s.client.ListObjectVersions(ctx, in)
		if err != nil {
			return nil, provider.Wrap(provider.KindRevisions, p.Materialized(), err)
		}
		for _, v := range out.Versions {
			if aws.ToString(v.Key) != key {
				continue
			}
			var modified *time.Time
			if v.LastModified != nil {
				t := v.LastModified.UTC()
				modified = &t
			}
			revisions = append(revisions, provider.Revision{
				Version:  aws.ToString(v.VersionId),
				Modified: modified,
				Extra:    map[string]any{"latest": aws.ToBool(v.IsLatest)},
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.KeyMarker, in.VersionIdMarker = out.NextKeyMarker, out.NextVersionIdMarker
	}
	if len(revisions) == 0 {
		return nil, provider.NotFound(provider.KindRevisions, p.Materialized())
	}
	return revisions, nil
}

// CreateFolder writes an empty marker object named after the folder.
func (s *S3Storage) CreateFolder(ctx context.Context, p *provider.Path) (*provider.Metadata, error) {
	if !p.IsDir() {
		return nil, provider.NewError(provider.KindCreateFolder, 400, p.Materialized(), "path must be a folder", nil)
	}
	existing, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.key(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, provider.Wrap(provider.KindCreateFolder, p.Materialized(), err)
	}
	if len(existing.Contents) > 0 {
		return nil, provider.FolderNamingConflict(p.Materialized(), p.Name())
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return nil, provider.Wrap(provider.KindCreateFolder, p.Materialized(), err)
	}
	return provider.FolderMetadata(s.Name(), p), nil
}

func (s *S3Storage) CanIntraCopy(dest provider.Provider, _ *provider.Path) bool {
	return provider.SameAccount(s, dest)
}

// IntraCopy uses server-side CopyObject, one call per object for folders.
func (s *S3Storage) IntraCopy(ctx context.Context, _ provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	dstKey := s.key(dst)
	var created bool
	if src.IsFile() {
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(dstKey)})
		created = isS3NotFound(headErr)
		if err := s.copyObject(ctx, s.key(src), dstKey); err != nil {
			return nil, false, err
		}
		md, err := s.fileMetadata(ctx, dst)
		return md, created, err
	}

	if _, err := s.Metadata(ctx, dst); provider.IsNotFound(err) {
		created = true
	}
	srcPrefix := s.key(src)
	copied := 0
	err := s.eachObject(ctx, srcPrefix, func(objects []types.Object) error {
		for _, o := range objects {
			rel := strings.TrimPrefix(aws.ToString(o.Key), srcPrefix)
			if err := s.copyObject(ctx, aws.ToString(o.Key), dstKey+rel); err != nil {
				return err
			}
			copied++
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if copied == 0 {
		return nil, false, provider.NotFound(provider.KindIntraCopy, src.Materialized())
	}
	md, err := s.Metadata(ctx, dst)
	return md, created, err
}

func (s *S3Storage) copyObject(ctx context.Context, from, to string) error {
	source := s.bucket + "/" + (&url.URL{Path: from}).EscapedPath()
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(to),
		CopySource:   aws.String(source),
		StorageClass: s.storageClass,
	})
	if isS3NotFound(err) {
		return provider.NotFound(provider.KindIntraCopy, "/"+from)
	}
	return err
}

func (s *S3Storage) CanIntraMove(dest provider.Provider, path *provider.Path) bool {
	return s.CanIntraCopy(dest, path)
}

// IntraMove is a server-side copy followed by deleting the source keys.
func (s *S3Storage) IntraMove(ctx context.Context, dest provider.Provider, src, dst *provider.Path) (*provider.Metadata, bool, error) {
	md, created, err := s.IntraCopy(ctx, dest, src, dst)
	if err != nil {
		return nil, false, err
	}
	if err := s.Delete(ctx, src); err != nil {
		return md, created, err
	}
	return md, created, nil
}
