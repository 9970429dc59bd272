package storage

import (
	"context"
	"strings"
	"sync"
)

var _ ObjectStorage = (*MemoryStorage)(nil)

// MemoryStorage keeps uploaded CRLs in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]string
}

// NewMemoryStorage creates a store whose URLs are rooted at baseURL.
func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]string),
	}
}

// Upload stores pem as both the numbered and the latest CRL of caName.
func (m *MemoryStorage) Upload(_ context.Context, caName string, crlNumber int64, pem string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := m.baseURL + "/" + CRLObjectName(caName, crlNumber)
	m.objects[url] = pem
	m.objects[m.baseURL+"/"+LatestObjectName(caName)] = pem
	return url, nil
}

// Download returns the PEM stored at url.
func (m *MemoryStorage) Download(_ context.Context, url string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pem, ok := m.objects[url]
	if !ok {
		return "", ErrNotFound
	}
	return pem, nil
}

// Delete removes the object at url.
func (m *MemoryStorage) Delete(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[url]; !ok {
		return ErrNotFound
	}
	delete(m.objects, url)
	return nil
}

// Len returns the number of stored objects, the latest alias included.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
