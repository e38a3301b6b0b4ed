package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend provides an in-memory storage backend for testing and local
// runs.
type MemoryBackend struct {
	mu            sync.RWMutex
	defaultBucket string
	objects       map[string]*memoryObject
}

type memoryObject struct {
	obj  Object
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend(defaultBucket string) *MemoryBackend {
	if defaultBucket == "" {
		defaultBucket = "taskflow"
	}
	return &MemoryBackend{
		defaultBucket: defaultBucket,
		objects:       make(map[string]*memoryObject),
	}
}

func (m *MemoryBackend) bucket(b string) string {
	if b == "" {
		return m.defaultBucket
	}
	return b
}

func (m *MemoryBackend) Put(ctx context.Context, bucket, key string, data io.Reader, contentType string) (*Object, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	bucket = m.bucket(bucket)
	hash := sha256.Sum256(content)
	obj := Object{
		URI:         fmt.Sprintf("memory://%s/%s", bucket, key),
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[bucket+"/"+key] = &memoryObject{obj: obj, data: content}
	m.mu.Unlock()

	return &obj, nil
}

func (m *MemoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	o, ok := m.objects[m.bucket(bucket)+"/"+key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, m.bucket(bucket), key)
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	delete(m.objects, m.bucket(bucket)+"/"+key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, bucket, prefix string) ([]*Object, error) {
	full := m.bucket(bucket) + "/" + prefix

	m.mu.RLock()
	var objs []*Object
	for path, o := range m.objects {
		if strings.HasPrefix(path, full) {
			obj := o.obj
			objs = append(objs, &obj)
		}
	}
	m.mu.RUnlock()

	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	// Memory backend doesn't support presigned URLs
	return "", fmt.Errorf("presigned URLs not supported for memory backend")
}

var _ Backend = (*MemoryBackend)(nil)
