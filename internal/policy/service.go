package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

// Service administers policies. Enabling a policy disables any other enabled
// policy of the same certificate type so exactly one is consulted.
type Service struct {
	policies store.PolicyStore
	now      func() time.Time
}

// NewService creates a policy administration service.
func NewService(policies store.PolicyStore) *Service {
	return &Service{policies: policies, now: time.Now}
}

// Create validates and stores a new policy. An enabled policy replaces the
// currently enabled one for its type.
func (s *Service) Create(ctx context.Context, p *models.CertificatePolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	if p.Enabled {
		if err := s.disableOthers(ctx, p.CertificateType, p.ID); err != nil {
			return err
		}
	}
	if err := s.policies.Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return models.NewError("create policy", models.KindInvalidInput,
				fmt.Errorf("policy %s already exists", p.ID))
		}
		return fmt.Errorf("failed to create policy: %w", err)
	}

	log.Info().Str("policy_id", p.ID).Str("certificate_type", string(p.CertificateType)).
		Bool("enabled", p.Enabled).Msg("Policy created")
	return nil
}

// Update replaces the rules of an existing policy and bumps its version.
func (s *Service) Update(ctx context.Context, p *models.CertificatePolicy) (*models.CertificatePolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	updated := p.Clone()
	updated.Version = current.Version + 1
	updated.Enabled = current.Enabled
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	if err := s.policies.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to save policy: %w", err)
	}
	return updated, nil
}

// Enable makes the policy the one consulted for its certificate type.
func (s *Service) Enable(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.disableOthers(ctx, p.CertificateType, p.ID); err != nil {
		return err
	}
	return s.setEnabled(ctx, p, true)
}

// Disable removes the policy from evaluation.
func (s *Service) Disable(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.setEnabled(ctx, p, false)
}

// Get returns a policy by id.
func (s *Service) Get(ctx context.Context, id string) (*models.CertificatePolicy, error) {
	p, err := s.policies.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("policy", models.KindPolicyNotFound, fmt.Errorf("policy %s", id))
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// List returns every policy, enabled or not.
func (s *Service) List(ctx context.Context) ([]*models.CertificatePolicy, error) {
	return s.policies.List(ctx)
}

// Seed creates the given policies, skipping any that already exist.
func (s *Service) Seed(ctx context.Context, policies []*models.CertificatePolicy) error {
	for _, p := range policies {
		_, err := s.policies.Get(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check policy %s: %w", p.ID, err)
		}
		if err := s.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) setEnabled(ctx context.Context, p *models.CertificatePolicy, enabled bool) error {
	if p.Enabled == enabled {
		return nil
	}
	p.Enabled = enabled
	p.UpdatedAt = s.now()
	if err := s.policies.Save(ctx, p); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	log.Info().Str("policy_id", p.ID).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func (s *Service) disableOthers(ctx context.Context, certType models.CertificateType, keepID string) error {
	all, err := s.policies.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	for _, other := range all {
		if other.ID == keepID || other.CertificateType != certType || !other.Enabled {
			continue
		}
		if err := s.setEnabled(ctx, other, false); err != nil {
			return err
		}
	}
	return nil
}
