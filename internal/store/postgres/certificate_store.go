package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.CertificateStore = (*CertificateStore)(nil)

// CertificateStore implements store.CertificateStore using PostgreSQL.
type CertificateStore struct {
	querier
}

const certificateColumns = `
	serial_number, ca_id, certificate_type, subject_dn, issuer_dn, status,
	not_before, not_after, signature_algorithm, applicant_id, request_id, pem,
	hybrid, pqc_signature_public_key_pem, pqc_kem_public_key_pem,
	alt_signature_algorithm, merkle_root, sidecar_url, bundle,
	revoked_at, revocation_reason, revocation_operator, revocation_comments,
	notify_threshold_days, notify_email, notify_sms, notify_webhook,
	created_at, updated_at`

// certificateRow holds the nullable columns of a certificate row.
type certificateRow struct {
	hybrid           bool
	pqcSigPEM        *string
	pqcKEMPEM        *string
	altAlg           *string
	merkleRoot       []byte
	sidecarURL       *string
	bundle           *string
	revokedAt        *time.Time
	revocationReason *int32
	revokedBy        *string
	revokeComments   *string
}

func scanCertificate(row pgx.Row) (*models.Certificate, error) {
	var (
		cert models.Certificate
		r    certificateRow
	)
	err := row.Scan(
		&cert.SerialNumber,
		&cert.CAID,
		&cert.Type,
		&cert.SubjectDN,
		&cert.IssuerDN,
		&cert.Status,
		&cert.NotBefore,
		&cert.NotAfter,
		&cert.SignatureAlgorithm,
		&cert.ApplicantID,
		&cert.RequestID,
		&cert.PEM,
		&r.hybrid,
		&r.pqcSigPEM,
		&r.pqcKEMPEM,
		&r.altAlg,
		&r.merkleRoot,
		&r.sidecarURL,
		&r.bundle,
		&r.revokedAt,
		&r.revocationReason,
		&r.revokedBy,
		&r.revokeComments,
		&cert.Notification.ThresholdDays,
		&cert.Notification.Email,
		&cert.Notification.SMS,
		&cert.Notification.Webhook,
		&cert.CreatedAt,
		&cert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.hybrid {
		cert.Hybrid = &models.HybridFields{
			PQCSignaturePublicKeyPEM: deref(r.pqcSigPEM),
			PQCKEMPublicKeyPEM:       deref(r.pqcKEMPEM),
			AltSignatureAlgorithm:    models.SignatureAlgorithm(deref(r.altAlg)),
			MerkleRoot:               r.merkleRoot,
			SidecarURL:               deref(r.sidecarURL),
			Bundle:                   deref(r.bundle),
		}
	}
	if r.revokedAt != nil {
		cert.Revocation = &models.RevocationInfo{
			RevokedAt: *r.revokedAt,
			Operator:  deref(r.revokedBy),
			Comments:  deref(r.revokeComments),
		}
		if r.revocationReason != nil {
			cert.Revocation.Reason = models.RevocationReason(*r.revocationReason)
		}
	}
	return &cert, nil
}

// certificateArgs flattens a certificate into column order.
func certificateArgs(cert *models.Certificate) []any {
	var r certificateRow
	if h := cert.Hybrid; h != nil {
		alg := string(h.AltSignatureAlgorithm)
		r.hybrid = true
		r.pqcSigPEM = &h.PQCSignaturePublicKeyPEM
		r.pqcKEMPEM = &h.PQCKEMPublicKeyPEM
		r.altAlg = &alg
		r.merkleRoot = h.MerkleRoot
		r.sidecarURL = &h.SidecarURL
		r.bundle = &h.Bundle
	}
	if rev := cert.Revocation; rev != nil {
		reason := int32(rev.Reason)
		r.revokedAt = &rev.RevokedAt
		r.revocationReason = &reason
		r.revokedBy = &rev.Operator
		r.revokeComments = &rev.Comments
	}

	return []any{
		cert.SerialNumber,
		cert.CAID,
		string(cert.Type),
		cert.SubjectDN,
		cert.IssuerDN,
		string(cert.Status),
		cert.NotBefore,
		cert.NotAfter,
		string(cert.SignatureAlgorithm),
		cert.ApplicantID,
		cert.RequestID,
		cert.PEM,
		r.hybrid,
		r.pqcSigPEM,
		r.pqcKEMPEM,
		r.altAlg,
		r.merkleRoot,
		r.sidecarURL,
		r.bundle,
		r.revokedAt,
		r.revocationReason,
		r.revokedBy,
		r.revokeComments,
		cert.Notification.ThresholdDays,
		cert.Notification.Email,
		cert.Notification.SMS,
		cert.Notification.Webhook,
		cert.CreatedAt,
		cert.UpdatedAt,
	}
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// Create inserts a newly issued certificate.
func (s *CertificateStore) Create(ctx context.Context, cert *models.Certificate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := certificateArgs(cert)
	query := `INSERT INTO certificates (` + certificateColumns + `) VALUES (` + placeholders(1, len(args)) + `)`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create certificate: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("serial_number", cert.SerialNumber).
		Str("ca_id", cert.CAID.String()).
		Str("status", string(cert.Status)).
		Msg("Created certificate")

	return nil
}

// Get retrieves a certificate by serial number.
func (s *CertificateStore) Get(ctx context.Context, serialNumber string) (*models.Certificate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE serial_number = $1`
	cert, err := scanCertificate(s.pool.QueryRow(ctx, query, serialNumber))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return cert, nil
}

// Save rewrites every mutable column of an existing certificate. The UPDATE
// is conditional on the stored status still being prev, so two writers that
// read the same row cannot both apply a transition.
func (s *CertificateStore) Save(ctx context.Context, cert *models.Certificate, prev models.CertificateStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := certificateArgs(cert)
	cols := strings.Split(certificateColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		col = strings.TrimSpace(col)
		if i == 0 || col == "created_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
	}
	args = append(args, string(prev))
	query := `UPDATE certificates SET ` + strings.Join(sets, ", ") +
		fmt.Sprintf(` WHERE serial_number = $1 AND status = $%d`, len(args))

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update certificate: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM certificates WHERE serial_number = $1)`,
			cert.SerialNumber,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check certificate: %w", mapPostgresError(err))
		}
		if !exists {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: certificate %s is no longer %s", store.ErrConflict, cert.SerialNumber, prev)
	}

	log.Debug().
		Str("serial_number", cert.SerialNumber).
		Str("status", string(cert.Status)).
		Msg("Updated certificate")

	return nil
}

// List returns certificates matching the options, oldest first.
func (s *CertificateStore) List(ctx context.Context, opts store.ListCertificatesOptions) ([]*models.Certificate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.CAID != uuid.Nil {
		add("ca_id = $%d", opts.CAID)
	}
	if opts.ApplicantID != "" {
		add("applicant_id = $%d", opts.ApplicantID)
	}
	if opts.SubjectDN != "" {
		add("subject_dn = $%d", opts.SubjectDN)
	}
	if len(opts.Status) > 0 {
		statuses := make([]string, len(opts.Status))
		for i, st := range opts.Status {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if !opts.ExpiresBefore.IsZero() {
		add("not_after < $%d", opts.ExpiresBefore)
	}

	query := `SELECT ` + certificateColumns + ` FROM certificates`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, serial_number`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", mapPostgresError(err))
	}
	defer rows.Close()

	result := []*models.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		result = append(result, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate certificates: %w", err)
	}
	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
