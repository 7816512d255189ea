package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an ObjectStore kept in process memory. It backs local
// development servers and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	etag     string
	modified time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ PutOptions) (ObjectInfo, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return ObjectInfo{}, fmt.Errorf("object key is required")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object body: %w", err)
	}
	sum := md5.Sum(data)
	obj := memoryObject{data: data, etag: hex.EncodeToString(sum[:]), modified: time.Now().UTC()}
	m.mu.Lock()
	m.objects[key] = obj
	m.mu.Unlock()
	return ObjectInfo{Key: key, Size: int64(len(data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[strings.TrimPrefix(key, "/")]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) GetRange(_ context.Context, key string, r ByteRange) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[strings.TrimPrefix(key, "/")]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	first, last, err := r.Resolve(int64(len(obj.data)))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.data[first : last+1])), nil
}

func (m *MemoryStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	key = strings.TrimPrefix(key, "/")
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, strings.TrimPrefix(key, "/"))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
