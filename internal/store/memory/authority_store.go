package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.AuthorityStore = (*AuthorityStore)(nil)

// AuthorityStore is an in-memory implementation of store.AuthorityStore.
type AuthorityStore struct {
	mu     sync.RWMutex
	cas    map[uuid.UUID]*models.CertificateAuthority
	byName map[string]uuid.UUID
}

// NewAuthorityStore creates a new in-memory CA store.
func NewAuthorityStore() *AuthorityStore {
	return &AuthorityStore{
		cas:    make(map[uuid.UUID]*models.CertificateAuthority),
		byName: make(map[string]uuid.UUID),
	}
}

// Get retrieves a CA by ID.
func (s *AuthorityStore) Get(ctx context.Context, id uuid.UUID) (*models.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ca, ok := s.cas[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ca.Clone(), nil
}

// GetByName retrieves a CA by its unique name.
func (s *AuthorityStore) GetByName(ctx context.Context, name string) (*models.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.cas[id].Clone(), nil
}

// List returns all CAs ordered by name.
func (s *AuthorityStore) List(ctx context.Context) ([]*models.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.CertificateAuthority, 0, len(s.cas))
	for _, ca := range s.cas {
		result = append(result, ca.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Create stores a new CA.
func (s *AuthorityStore) Create(ctx context.Context, ca *models.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cas[ca.ID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := s.byName[ca.Name]; exists {
		return store.ErrAlreadyExists
	}

	s.cas[ca.ID] = ca.Clone()
	s.byName[ca.Name] = ca.ID
	return nil
}

// Save updates an existing CA. Stored counters are kept.
func (s *AuthorityStore) Save(ctx context.Context, ca *models.CertificateAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cas[ca.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Name != ca.Name {
		delete(s.byName, existing.Name)
		s.byName[ca.Name] = ca.ID
	}
	updated := ca.Clone()
	updated.NextSerial = existing.NextSerial
	updated.NextCRLNumber = existing.NextCRLNumber
	s.cas[ca.ID] = updated
	return nil
}

// AllocateSerial returns the current serial sequence value and advances it.
func (s *AuthorityStore) AllocateSerial(ctx context.Context, id uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, ok := s.cas[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	n := max(ca.NextSerial, 1)
	ca.NextSerial = n + 1
	return n, nil
}

// AllocateCRLNumber returns the current CRL number and advances it.
func (s *AuthorityStore) AllocateCRLNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, ok := s.cas[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	n := max(ca.NextCRLNumber, 1)
	ca.NextCRLNumber = n + 1
	return n, nil
}
