package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	info, err := store.Put(ctx, "/s1/default/t/part-1.parquet", bytes.NewBufferString("abc"), 3, PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Key != "s1/default/t/part-1.parquet" || info.Size != 3 || info.ETag == "" {
		t.Fatalf("Put() info = %+v", info)
	}

	reader, err := store.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	payload, _ := io.ReadAll(reader)
	if string(payload) != "abc" {
		t.Fatalf("Get() payload = %q", payload)
	}

	if err := store.Delete(ctx, info.Key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Stat(ctx, info.Key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Stat() after delete error = %v", err)
	}
	if _, err := store.Get(ctx, info.Key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
}

func TestMemoryStoreGetRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Put(ctx, "t/part-0.parquet", bytes.NewBufferString("PAR1data-PAR1"), 13, PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	cases := []struct {
		name string
		r    ByteRange
		want string
	}{
		{name: "head", r: ByteRange{Offset: 0, Length: 4}, want: "PAR1"},
		{name: "open ended", r: ByteRange{Offset: 9, Length: -1}, want: "PAR1"},
		{name: "clamped", r: ByteRange{Offset: 4, Length: 100}, want: "data-PAR1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reader, err := store.GetRange(ctx, "t/part-0.parquet", tc.r)
			if err != nil {
				t.Fatalf("GetRange() error = %v", err)
			}
			payload, _ := io.ReadAll(reader)
			if string(payload) != tc.want {
				t.Fatalf("GetRange() = %q, want %q", payload, tc.want)
			}
		})
	}

	if _, err := store.GetRange(ctx, "t/part-0.parquet", ByteRange{Offset: 13, Length: 1}); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("GetRange() past end error = %v", err)
	}
	if _, err := store.GetRange(ctx, "t/part-0.parquet", ByteRange{Offset: 2, Length: 0}); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("GetRange() empty error = %v", err)
	}
}
