package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/duckmesh/duckshare/internal/storage"
)

type minioAPI struct {
	client *minio.Client
}

func newMinioAPI(cfg Config) (*minioAPI, error) {
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioAPI{client: client}, nil
}

// parseEndpoint accepts either host:port or a full URL. An https URL forces
// TLS regardless of useSSL.
func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	switch {
	case parsed.Host == "":
		return "", false, fmt.Errorf("endpoint host is required")
	case parsed.Scheme == "https":
		return parsed.Host, true, nil
	case parsed.Scheme == "http":
		return parsed.Host, useSSL, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}

func (m *minioAPI) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	uploaded, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, mapMinioErr(err)
	}
	return storage.ObjectInfo{Key: uploaded.Key, Size: uploaded.Size, ETag: uploaded.ETag, LastModified: uploaded.LastModified}, nil
}

// Get reads bytes first..last inclusive. last < 0 reads the whole object.
func (m *minioAPI) Get(ctx context.Context, bucket, key string, first, last int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if last >= 0 {
		if err := opts.SetRange(first, last); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrRangeNotSatisfiable, err)
		}
	}
	obj, err := m.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller
	// commits to a response.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}
	return obj, nil
}

func (m *minioAPI) Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	obj, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, mapMinioErr(err)
	}
	return storage.ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag, LastModified: obj.LastModified}, nil
}

func (m *minioAPI) Delete(ctx context.Context, bucket, key string) error {
	return mapMinioErr(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (m *minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, mapMinioErr(err)
	}
	return exists, nil
}

func (m *minioAPI) CreateBucket(ctx context.Context, bucket, region string) error {
	return mapMinioErr(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func (m *minioAPI) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, params url.Values) (*url.URL, error) {
	signed, err := m.client.PresignedGetObject(ctx, bucket, key, ttl, params)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return signed, nil
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrObjectNotFound
		case "InvalidRange":
			return storage.ErrRangeNotSatisfiable
		}
	}
	return err
}
