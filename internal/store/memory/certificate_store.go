package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.CertificateStore = (*CertificateStore)(nil)

// CertificateStore is an in-memory implementation of store.CertificateStore for development and testing
type CertificateStore struct {
	mu               sync.RWMutex
	certs            map[string]*models.Certificate   // indexed by serial number
	certsByApplicant map[string][]*models.Certificate // indexed by applicant ID
}

// NewCertificateStore creates a new in-memory certificate store
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{
		certs:            make(map[string]*models.Certificate),
		certsByApplicant: make(map[string][]*models.Certificate),
	}
}

// Get retrieves a certificate by serial number
func (s *CertificateStore) Get(ctx context.Context, serialNumber string) (*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, exists := s.certs[serialNumber]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Return a copy to avoid external modifications
	return cert.Clone(), nil
}

// Create stores a newly issued certificate
func (s *CertificateStore) Create(ctx context.Context, cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[cert.SerialNumber]; exists {
		return store.ErrAlreadyExists
	}

	stored := cert.Clone()
	s.certs[cert.SerialNumber] = stored
	s.certsByApplicant[cert.ApplicantID] = append(s.certsByApplicant[cert.ApplicantID], stored)

	return nil
}

// Save updates an existing certificate in place so the applicant index stays valid.
// The write only happens while the stored status is still prev.
func (s *CertificateStore) Save(ctx context.Context, cert *models.Certificate, prev models.CertificateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.certs[cert.SerialNumber]
	if !exists {
		return store.ErrNotFound
	}
	if existing.Status != prev {
		return fmt.Errorf("%w: certificate %s is %s, expected %s", store.ErrConflict, cert.SerialNumber, existing.Status, prev)
	}

	*existing = *cert.Clone()
	return nil
}

// List returns certificates matching the options, oldest first
func (s *CertificateStore) List(ctx context.Context, opts store.ListCertificatesOptions) ([]*models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*models.Certificate, 0, len(s.certs))
	if opts.ApplicantID != "" {
		candidates = append(candidates, s.certsByApplicant[opts.ApplicantID]...)
	} else {
		for _, cert := range s.certs {
			candidates = append(candidates, cert)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].SerialNumber < candidates[j].SerialNumber
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	result := []*models.Certificate{}
	for _, cert := range candidates {
		if !opts.Matches(cert) {
			continue
		}

		result = append(result, cert.Clone())

		// Apply limit
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}

	return result, nil
}
