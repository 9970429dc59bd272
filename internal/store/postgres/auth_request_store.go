package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.AuthRequestStore = (*AuthRequestStore)(nil)

// AuthRequestStore implements store.AuthRequestStore using PostgreSQL.
type AuthRequestStore struct {
	querier
}

// Save inserts or replaces an authentication request.
func (s *AuthRequestStore) Save(ctx context.Context, req *models.AuthenticationRequest) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO auth_requests (
			id, applicant_id, token_subject, subject_dn, key_algorithm,
			status, failure_reason, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			token_subject = EXCLUDED.token_subject,
			subject_dn = EXCLUDED.subject_dn,
			key_algorithm = EXCLUDED.key_algorithm,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			completed_at = EXCLUDED.completed_at
	`
	_, err := s.pool.Exec(ctx, query,
		req.ID,
		req.ApplicantID,
		req.TokenSubject,
		req.SubjectDN,
		req.KeyAlgorithm,
		string(req.Status),
		req.FailureReason,
		req.CreatedAt,
		req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth request: %w", mapPostgresError(err))
	}
	return nil
}

// Get retrieves an authentication request.
func (s *AuthRequestStore) Get(ctx context.Context, id uuid.UUID) (*models.AuthenticationRequest, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var req models.AuthenticationRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, applicant_id, token_subject, subject_dn, key_algorithm,
			status, failure_reason, created_at, completed_at
		FROM auth_requests
		WHERE id = $1
	`, id).Scan(
		&req.ID,
		&req.ApplicantID,
		&req.TokenSubject,
		&req.SubjectDN,
		&req.KeyAlgorithm,
		&req.Status,
		&req.FailureReason,
		&req.CreatedAt,
		&req.CompletedAt,
	)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return &req, nil
}
