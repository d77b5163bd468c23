package mocks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bulk-jobs-api/internal/storage"
)

// MockObjectStore keeps uploaded objects in memory.
type MockObjectStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	PutErr  error
	GetErr  error
}

func NewMockObjectStore() *MockObjectStore {
	return &MockObjectStore{Objects: make(map[string][]byte)}
}

func (m *MockObjectStore) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (*storage.PutResult, error) {
	if m.PutErr != nil {
		io.Copy(io.Discard, r)
		return nil, m.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.Objects[key] = data
	m.mu.Unlock()
	return &storage.PutResult{Key: key, Size: int64(len(data))}, nil
}

func (m *MockObjectStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	data, ok := m.Objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockObjectStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://storage.example.com/" + key + "?signed=1", nil
}
