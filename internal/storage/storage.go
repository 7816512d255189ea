package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	// ErrRangeNotSatisfiable is returned when a byte range starts past the
	// end of the object.
	ErrRangeNotSatisfiable = errors.New("byte range not satisfiable")
)

// ObjectInfo describes one stored data file.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

// ByteRange selects Length bytes starting at Offset. A negative Length reads
// to the end of the object.
type ByteRange struct {
	Offset int64
	Length int64
}

// Resolve clamps the range to an object of the given size and returns the
// inclusive first and last byte offsets.
func (r ByteRange) Resolve(size int64) (int64, int64, error) {
	if r.Offset < 0 || r.Offset >= size {
		return 0, 0, fmt.Errorf("%w: offset %d of %d bytes", ErrRangeNotSatisfiable, r.Offset, size)
	}
	last := size - 1
	if r.Length >= 0 && r.Offset+r.Length-1 < last {
		last = r.Offset + r.Length - 1
	}
	if last < r.Offset {
		return 0, 0, fmt.Errorf("%w: empty range", ErrRangeNotSatisfiable)
	}
	return r.Offset, last, nil
}

// ObjectStore holds the parquet data files behind shared tables. Publishing
// writes them, the file gateway and presigner serve them to recipients.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, key string, r ByteRange) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Presigner mints a time-limited GET URL for one object.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
