package keys

import (
	"context"
	"fmt"
	"sync"

	"github.com/kenneth/media-storage-gateway/internal/storage"
)

// mockStore is an in-memory storage.BlobStore.
type mockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  map[string]error
	// beforePut runs without the lock held, ahead of every put.
	beforePut func(bucket, key string)
	// afterPut runs without the lock held, after every successful put.
	afterPut func(bucket, key string)
}

func newMockStore() *mockStore {
	return &mockStore{
		objects: make(map[string][]byte),
		putErr:  make(map[string]error),
	}
}

func path(bucket, key string) string { return bucket + "/" + key }

func (m *mockStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path(bucket, key), storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *mockStore) PutObject(ctx context.Context, bucket, key string, data []byte, opts storage.PutOptions) error {
	if m.beforePut != nil {
		m.beforePut(bucket, key)
	}
	if err := m.put(bucket, key, data, opts); err != nil {
		return err
	}
	if m.afterPut != nil {
		m.afterPut(bucket, key)
	}
	return nil
}

func (m *mockStore) put(bucket, key string, data []byte, opts storage.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putErr[bucket]; err != nil {
		return err
	}
	if _, ok := m.objects[path(bucket, key)]; ok && opts.IfNotExists {
		return fmt.Errorf("%s: %w", path(bucket, key), storage.ErrAlreadyExists)
	}
	m.puts++
	m.objects[path(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (m *mockStore) HeadObject(ctx context.Context, bucket, key string) (storage.Existence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path(bucket, key)]; ok {
		return storage.Exists, nil
	}
	return storage.NotExists, nil
}

func (m *mockStore) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path(bucket, key))
	return nil
}

func (m *mockStore) set(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path(bucket, key)] = data
}

func (m *mockStore) get(bucket, key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[path(bucket, key)]
}

func (m *mockStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
