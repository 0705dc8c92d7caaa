package storagetest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowstore/flowstore/internal/storage/blob"
)

// MemClient is an in-memory blob.Client. Buckets exist implicitly.
type MemClient struct {
	mu    sync.Mutex
	blobs map[string]memBlob // bucket/key
}

type memBlob struct {
	data     []byte
	modified time.Time
}

var _ blob.Client = (*MemClient)(nil)

// NewMemClient returns an empty store
func NewMemClient() *MemClient {
	return &MemClient{blobs: make(map[string]memBlob)}
}

// Put stores data under bucket/key with the given modification time
func (m *MemClient) Put(bucket, key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[bucket+"/"+key] = memBlob{data: bytes.Clone(data), modified: modified}
}

func (m *MemClient) Stat(_ context.Context, bucket, key string) (blob.Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return blob.Attrs{}, blob.ErrNotExist
	}
	return blob.Attrs{Key: key, Size: int64(len(b.data)), Modified: b.modified}, nil
}

func (m *MemClient) List(_ context.Context, bucket, prefix, delimiter string) ([]blob.Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []blob.Attrs
	dirs := map[string]bool{}
	for k, b := range m.blobs {
		key, ok := strings.CutPrefix(k, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
				dir := key[:len(prefix)+i+len(delimiter)]
				if !dirs[dir] {
					dirs[dir] = true
					out = append(out, blob.Attrs{Key: dir, Dir: true})
				}
				continue
			}
		}
		out = append(out, blob.Attrs{Key: key, Size: int64(len(b.data)), Modified: b.modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemClient) Download(_ context.Context, bucket, key string, w io.Writer) error {
	m.mu.Lock()
	b, ok := m.blobs[bucket+"/"+key]
	m.mu.Unlock()
	if !ok {
		return blob.ErrNotExist
	}
	_, err := w.Write(b.data)
	return err
}

func (m *MemClient) Upload(_ context.Context, bucket, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Put(bucket, key, data, time.Now())
	return nil
}

func (m *MemClient) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[bucket+"/"+key]; !ok {
		return blob.ErrNotExist
	}
	delete(m.blobs, bucket+"/"+key)
	return nil
}

func (m *MemClient) Touch(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return blob.ErrNotExist
	}
	b.modified = time.Now()
	m.blobs[bucket+"/"+key] = b
	return nil
}
