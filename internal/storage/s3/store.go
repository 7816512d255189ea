package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/duckmesh/duckshare/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// objectAPI is the slice of the S3 API the sharing server needs. Keys passed
// in are already prefixed and validated.
type objectAPI interface {
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (storage.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string, first, last int64) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket, region string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, params url.Values) (*url.URL, error)
}

// Store keeps shared table data files in one bucket, optionally below a key
// prefix so several deployments can share a bucket.
type Store struct {
	api    objectAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	api, err := newMinioAPI(cfg)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg.Bucket, cfg.Prefix, api)
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(bucket, prefix string, api objectAPI) (*Store, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 api is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Store{api: api, bucket: bucket, prefix: cleanPrefix(prefix)}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.Put(ctx, s.bucket, objectKey, body, size, opts.ContentType)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put data file %q: %w", objectKey, err)
	}
	info.Key = key
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.read(ctx, key, 0, -1)
}

// GetRange reads part of a data file. The range is resolved against the
// object size first so out-of-range requests fail before any body transfer.
func (s *Store) GetRange(ctx context.Context, key string, r storage.ByteRange) (io.ReadCloser, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	first, last, err := r.Resolve(info.Size)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, key, first, last)
}

func (s *Store) read(ctx context.Context, key string, first, last int64) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.api.Get(ctx, s.bucket, objectKey, first, last)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("get data file %q: %w", objectKey, err)
	}
	return reader, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.Stat(ctx, s.bucket, objectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat data file %q: %w", objectKey, err)
	}
	info.Key = key
	return info, nil
}

// Delete is idempotent: removing a missing data file succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if err := s.api.Delete(ctx, s.bucket, objectKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("delete data file %q: %w", objectKey, err)
	}
	return nil
}

// PresignGet returns a GET URL for one data file, valid for ttl. The URL asks
// S3 to answer with a parquet content type and a download file name so
// recipients do not depend on how the object was uploaded.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("response-content-type", "application/octet-stream")
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))
	signed, err := s.api.PresignGet(ctx, s.bucket, objectKey, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign data file %q: %w", objectKey, err)
	}
	return signed.String(), nil
}

func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.api.CreateBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// objectKey maps a catalog object key to the bucket key. Keys that climb out
// of the prefix are rejected.
func (s *Store) objectKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return path.Join(s.prefix, cleaned), nil
}

func cleanPrefix(prefix string) string {
	prefix = path.Clean(strings.Trim(strings.TrimSpace(prefix), "/"))
	if prefix == "." {
		return ""
	}
	return prefix
}
