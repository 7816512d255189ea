//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/duckshare/internal/storage"
)

// Run with a MinIO from docker:
//
//	DUCKSHARE_TEST_S3_ENDPOINT=localhost:9000 go test -tags integration ./internal/storage/s3
func TestDataFileLifecycleAgainstMinIO(t *testing.T) {
	endpoint := envOr("DUCKSHARE_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("DUCKSHARE_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, Config{
		Endpoint:         endpoint,
		Region:           envOr("DUCKSHARE_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("DUCKSHARE_TEST_S3_BUCKET", "duckshare-it"),
		AccessKeyID:      envOr("DUCKSHARE_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("DUCKSHARE_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "housing/default/boston/town=salem/part-0-00000.parquet"
	payload := []byte("PAR1-not-really-a-parquet-body-PAR1")
	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	info, err := store.Stat(ctx, key)
	if err != nil || info.Size != int64(len(payload)) {
		t.Fatalf("Stat() = %+v, %v", info, err)
	}

	footer := readAll(t, func() (io.ReadCloser, error) {
		return store.GetRange(ctx, key, storage.ByteRange{Offset: int64(len(payload) - 4), Length: 4})
	})
	if footer != "PAR1" {
		t.Fatalf("footer = %q", footer)
	}
	if whole := readAll(t, func() (io.ReadCloser, error) { return store.Get(ctx, key) }); whole != string(payload) {
		t.Fatalf("Get() = %q", whole)
	}

	signed, err := store.PresignGet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	resp, err := http.Get(signed)
	if err != nil {
		t.Fatalf("GET presigned url error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("presigned GET = %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Disposition"); !strings.Contains(got, "part-0-00000.parquet") {
		t.Fatalf("Content-Disposition = %q", got)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Stat(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() after delete error = %v, want ErrObjectNotFound", err)
	}
}

func readAll(t *testing.T, open func() (io.ReadCloser, error)) string {
	t.Helper()
	reader, err := open()
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	return string(data)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
