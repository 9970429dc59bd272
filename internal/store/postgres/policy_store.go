package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.PolicyStore = (*PolicyStore)(nil)

// PolicyStore implements store.PolicyStore using PostgreSQL.
type PolicyStore struct {
	querier
}

const policyColumns = `
	id, name, certificate_type, version, enabled,
	signature_algorithms, kem_algorithms, min_key_length, require_hybrid_signature,
	validity_min_days, validity_max_days, required_attributes, common_name_pattern,
	created_at, updated_at`

func scanPolicy(row pgx.Row) (*models.CertificatePolicy, error) {
	var (
		p       models.CertificatePolicy
		sigAlgs []string
		kemAlgs []string
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.CertificateType,
		&p.Version,
		&p.Enabled,
		&sigAlgs,
		&kemAlgs,
		&p.Crypto.MinKeyLength,
		&p.Crypto.RequireHybridSignature,
		&p.Validity.MinDays,
		&p.Validity.MaxDays,
		&p.Subject.RequiredAttributes,
		&p.Subject.CommonNamePattern,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, a := range sigAlgs {
		p.Crypto.SignatureAlgorithms = append(p.Crypto.SignatureAlgorithms, models.SignatureAlgorithm(a))
	}
	for _, a := range kemAlgs {
		p.Crypto.KEMAlgorithms = append(p.Crypto.KEMAlgorithms, models.KEMAlgorithm(a))
	}
	return &p, nil
}

func policyArgs(p *models.CertificatePolicy) []any {
	sigAlgs := make([]string, len(p.Crypto.SignatureAlgorithms))
	for i, a := range p.Crypto.SignatureAlgorithms {
		sigAlgs[i] = string(a)
	}
	kemAlgs := make([]string, len(p.Crypto.KEMAlgorithms))
	for i, a := range p.Crypto.KEMAlgorithms {
		kemAlgs[i] = string(a)
	}
	attrs := p.Subject.RequiredAttributes
	if attrs == nil {
		attrs = []string{}
	}
	return []any{
		p.ID,
		p.Name,
		string(p.CertificateType),
		p.Version,
		p.Enabled,
		sigAlgs,
		kemAlgs,
		p.Crypto.MinKeyLength,
		p.Crypto.RequireHybridSignature,
		p.Validity.MinDays,
		p.Validity.MaxDays,
		attrs,
		p.Subject.CommonNamePattern,
		p.CreatedAt,
		p.UpdatedAt,
	}
}

// Create inserts a new policy.
func (s *PolicyStore) Create(ctx context.Context, p *models.CertificatePolicy) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := policyArgs(p)
	query := `INSERT INTO certificate_policies (` + policyColumns + `) VALUES (` + placeholders(1, len(args)) + `)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create policy: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("policy_id", p.ID).
		Str("certificate_type", string(p.CertificateType)).
		Msg("Created policy")

	return nil
}

// Get retrieves a policy by id.
func (s *PolicyStore) Get(ctx context.Context, id string) (*models.CertificatePolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + policyColumns + ` FROM certificate_policies WHERE id = $1`
	p, err := scanPolicy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return p, nil
}

// GetEnabled returns the enabled policy for a certificate type, highest
// version first.
func (s *PolicyStore) GetEnabled(ctx context.Context, certType models.CertificateType) (*models.CertificatePolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + policyColumns + `
		FROM certificate_policies
		WHERE certificate_type = $1 AND enabled
		ORDER BY version DESC
		LIMIT 1
	`
	p, err := scanPolicy(s.pool.QueryRow(ctx, query, string(certType)))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return p, nil
}

// List returns all policies ordered by id.
func (s *PolicyStore) List(ctx context.Context) ([]*models.CertificatePolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+` FROM certificate_policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", mapPostgresError(err))
	}
	defer rows.Close()

	result := []*models.CertificatePolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return result, nil
}

// Save replaces an existing policy.
func (s *PolicyStore) Save(ctx context.Context, p *models.CertificatePolicy) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE certificate_policies SET
			name = $2,
			certificate_type = $3,
			version = $4,
			enabled = $5,
			signature_algorithms = $6,
			kem_algorithms = $7,
			min_key_length = $8,
			require_hybrid_signature = $9,
			validity_min_days = $10,
			validity_max_days = $11,
			required_attributes = $12,
			common_name_pattern = $13,
			updated_at = $14
		WHERE id = $1
	`
	args := policyArgs(p)
	// created_at is immutable
	args = append(args[:13], args[14])
	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	log.Debug().
		Str("policy_id", p.ID).
		Int("version", p.Version).
		Msg("Updated policy")

	return nil
}
