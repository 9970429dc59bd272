package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var (
	_ store.AuditStore       = (*AuditStore)(nil)
	_ store.AuthRequestStore = (*AuthRequestStore)(nil)
)

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.RWMutex
	records []*store.AuditRecord
	byID    map[uuid.UUID]*store.AuditRecord
}

// NewAuditStore creates an empty audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{byID: make(map[uuid.UUID]*store.AuditRecord)}
}

// Append adds a record.
func (s *AuditStore) Append(ctx context.Context, rec *store.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return store.ErrAlreadyExists
	}
	copied := *rec
	s.records = append(s.records, &copied)
	s.byID[rec.ID] = &copied
	return nil
}

// Get retrieves a record by ID.
func (s *AuditStore) Get(ctx context.Context, id uuid.UUID) (*store.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

// Query returns records matching every non-zero filter field, in append order.
func (s *AuditStore) Query(ctx context.Context, q store.AuditQuery) ([]*store.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*store.AuditRecord{}
	for _, rec := range s.records {
		if q.EventType != "" && rec.EventType != q.EventType {
			continue
		}
		if q.Operator != "" && rec.Operator != q.Operator {
			continue
		}
		if !q.From.IsZero() && rec.OccurredAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.OccurredAt.After(q.To) {
			continue
		}
		copied := *rec
		result = append(result, &copied)
	}
	return result, nil
}

// Tamper overwrites a stored payload without updating its hash. Only tests use it.
func (s *AuditStore) Tamper(id uuid.UUID, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[id]; ok {
		rec.Payload = payload
	}
}

// AuthRequestStore is an in-memory implementation of store.AuthRequestStore.
type AuthRequestStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*models.AuthenticationRequest
}

// NewAuthRequestStore creates an empty store.
func NewAuthRequestStore() *AuthRequestStore {
	return &AuthRequestStore{requests: make(map[uuid.UUID]*models.AuthenticationRequest)}
}

// Get retrieves a request by ID.
func (s *AuthRequestStore) Get(ctx context.Context, id uuid.UUID) (*models.AuthenticationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *req
	return &copied, nil
}

// Save creates or replaces a request.
func (s *AuthRequestStore) Save(ctx context.Context, req *models.AuthenticationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *req
	s.requests[req.ID] = &copied
	return nil
}
