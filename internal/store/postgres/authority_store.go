package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.AuthorityStore = (*AuthorityStore)(nil)

// AuthorityStore implements store.AuthorityStore using PostgreSQL.
type AuthorityStore struct {
	querier
}

const authorityColumns = `
	id, name, subject_dn, certificate_pem, certificate_serial,
	signature_algorithm, alt_signature_algorithm, not_before, not_after,
	next_serial, next_crl_number, enabled, created_at, updated_at`

func scanAuthority(row pgx.Row) (*models.CertificateAuthority, error) {
	var (
		ca         models.CertificateAuthority
		nextSerial int64
	)
	err := row.Scan(
		&ca.ID,
		&ca.Name,
		&ca.SubjectDN,
		&ca.CertificatePEM,
		&ca.CertificateSerial,
		&ca.SignatureAlgorithm,
		&ca.AltSignatureAlgorithm,
		&ca.NotBefore,
		&ca.NotAfter,
		&nextSerial,
		&ca.NextCRLNumber,
		&ca.Enabled,
		&ca.CreatedAt,
		&ca.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ca.NextSerial = uint64(nextSerial)
	return &ca, nil
}

// Create inserts a new CA.
func (s *AuthorityStore) Create(ctx context.Context, ca *models.CertificateAuthority) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO certificate_authorities (` + authorityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		ca.ID,
		ca.Name,
		ca.SubjectDN,
		ca.CertificatePEM,
		ca.CertificateSerial,
		ca.SignatureAlgorithm,
		ca.AltSignatureAlgorithm,
		ca.NotBefore,
		ca.NotAfter,
		int64(ca.NextSerial),
		ca.NextCRLNumber,
		ca.Enabled,
		ca.CreatedAt,
		ca.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create authority: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("ca_id", ca.ID.String()).
		Str("ca_name", ca.Name).
		Msg("Created authority")

	return nil
}

// Get retrieves a CA by id.
func (s *AuthorityStore) Get(ctx context.Context, id uuid.UUID) (*models.CertificateAuthority, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + authorityColumns + ` FROM certificate_authorities WHERE id = $1`
	ca, err := scanAuthority(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return ca, nil
}

// GetByName retrieves a CA by its unique name.
func (s *AuthorityStore) GetByName(ctx context.Context, name string) (*models.CertificateAuthority, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + authorityColumns + ` FROM certificate_authorities WHERE name = $1`
	ca, err := scanAuthority(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return ca, nil
}

// List returns every CA ordered by name.
func (s *AuthorityStore) List(ctx context.Context) ([]*models.CertificateAuthority, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+authorityColumns+` FROM certificate_authorities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorities: %w", mapPostgresError(err))
	}
	defer rows.Close()

	result := []*models.CertificateAuthority{}
	for rows.Next() {
		ca, err := scanAuthority(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authority: %w", err)
		}
		result = append(result, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authorities: %w", err)
	}
	return result, nil
}

// Save updates the name and enabled flag of a CA. The counters are written
// only by AllocateSerial and AllocateCRLNumber.
func (s *AuthorityStore) Save(ctx context.Context, ca *models.CertificateAuthority) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE certificate_authorities SET
			name = $2,
			enabled = $3,
			updated_at = $4
		WHERE id = $1
	`
	result, err := s.pool.Exec(ctx, query,
		ca.ID,
		ca.Name,
		ca.Enabled,
		ca.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update authority: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	log.Debug().
		Str("ca_id", ca.ID.String()).
		Bool("enabled", ca.Enabled).
		Msg("Updated authority")

	return nil
}

// AllocateSerial increments next_serial and returns the value it held. The
// row lock taken by the UPDATE serializes concurrent allocators.
func (s *AuthorityStore) AllocateSerial(ctx context.Context, id uuid.UUID) (uint64, error) {
	var n int64
	if err := s.allocate(ctx, "next_serial", id, &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// AllocateCRLNumber increments next_crl_number and returns the value it held.
func (s *AuthorityStore) AllocateCRLNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	if err := s.allocate(ctx, "next_crl_number", id, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// allocate advances a counter column. column is never user input.
func (s *AuthorityStore) allocate(ctx context.Context, column string, id uuid.UUID, out *int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE certificate_authorities
		SET ` + column + ` = ` + column + ` + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + column + ` - 1
	`
	if err := s.pool.QueryRow(ctx, query, id).Scan(out); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to allocate %s: %w", column, mapPostgresError(err))
	}
	return nil
}
