package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.PolicyStore = (*PolicyStore)(nil)

// PolicyStore is an in-memory implementation of store.PolicyStore.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*models.CertificatePolicy
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*models.CertificatePolicy)}
}

// Get retrieves a policy by ID.
func (s *PolicyStore) Get(ctx context.Context, id string) (*models.CertificatePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

// GetEnabled returns the enabled policy for a certificate type. Disabled
// policies are never returned. If more than one is enabled the highest
// version wins.
func (s *PolicyStore) GetEnabled(ctx context.Context, certType models.CertificateType) (*models.CertificatePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.CertificatePolicy
	for _, p := range s.policies {
		if !p.Enabled || p.CertificateType != certType {
			continue
		}
		if found == nil || p.Version > found.Version {
			found = p
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found.Clone(), nil
}

// List returns all policies ordered by ID.
func (s *PolicyStore) List(ctx context.Context) ([]*models.CertificatePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.CertificatePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Create stores a new policy.
func (s *PolicyStore) Create(ctx context.Context, policy *models.CertificatePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[policy.ID]; exists {
		return store.ErrAlreadyExists
	}
	s.policies[policy.ID] = policy.Clone()
	return nil
}

// Save updates an existing policy.
func (s *PolicyStore) Save(ctx context.Context, policy *models.CertificatePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[policy.ID]; !exists {
		return store.ErrNotFound
	}
	s.policies[policy.ID] = policy.Clone()
	return nil
}
