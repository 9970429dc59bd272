package authn

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/store"
)

var allowedKeyAlgorithms = regexp.MustCompile(`(?i)^(SM2|ML-DSA|ML-KEM|RSA|ECDSA)$`)

// Failure reasons recorded on failed requests.
const (
	ReasonCSRSignature      = "CSR signature verification failed"
	ReasonApplicantIdentity = "CSR subject does not match the authenticated identity"
	ReasonKeyAlgorithm      = "key algorithm not permitted"
)

// AuthRequest is one applicant authentication attempt.
type AuthRequest struct {
	RequestID   uuid.UUID // generated when zero
	ApplicantID string
	Token       string
	CSR         []byte // PEM or DER
}

// Result is the recorded request plus the parsed CSR it validated.
type Result struct {
	Request *models.AuthenticationRequest
	CSR     *models.ParsedCSR
}

// Succeeded reports whether validation passed.
func (r *Result) Succeeded() bool {
	return r.Request.Status == models.AuthValidationSuccessful
}

// Service authenticates applicants and validates their CSRs.
type Service struct {
	idp       IdentityProvider
	parser    *pki.CSRParser
	requests  store.AuthRequestStore
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates an authentication service.
func NewService(idp IdentityProvider, parser *pki.CSRParser, requests store.AuthRequestStore, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		idp:       idp,
		parser:    parser,
		requests:  requests,
		publisher: publisher,
		now:       time.Now,
	}
}

// Authenticate verifies the identity token and the CSR. Token, applicant and
// CSR decoding failures are returned as errors and nothing is recorded. Once
// the request is created, validation failures are recorded with status
// VALIDATION_FAILED and returned in the result.
func (s *Service) Authenticate(ctx context.Context, req AuthRequest) (*Result, error) {
	subject, err := s.idp.VerifyToken(ctx, req.Token)
	if err != nil {
		return nil, models.NewError("authenticate", models.KindAuthentication, err)
	}

	applicant, err := s.idp.Applicant(ctx, req.ApplicantID)
	if err != nil {
		return nil, models.NewError("authenticate", models.KindAuthentication, err)
	}
	if !applicant.Active {
		return nil, models.NewError("authenticate", models.KindAuthentication,
			fmt.Errorf("applicant %s is inactive", applicant.ID))
	}

	csr, err := s.parser.Parse(req.CSR)
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == uuid.Nil {
		if id, err = uuid.NewV7(); err != nil {
			return nil, fmt.Errorf("failed to generate request id: %w", err)
		}
	}

	authReq := &models.AuthenticationRequest{
		ID:           id,
		ApplicantID:  applicant.ID,
		TokenSubject: subject,
		SubjectDN:    csr.SubjectDN,
		KeyAlgorithm: csr.PublicKeyAlgorithm,
		Status:       models.AuthPendingValidation,
		CreatedAt:    s.now(),
	}

	switch {
	case !s.parser.VerifySignature(csr):
		s.fail(authReq, ReasonCSRSignature)
	case !strings.Contains(csr.SubjectDN, subject):
		s.fail(authReq, ReasonApplicantIdentity)
	case !allowedKeyAlgorithms.MatchString(csr.PublicKeyAlgorithm):
		s.fail(authReq, ReasonKeyAlgorithm)
	default:
		completed := s.now()
		authReq.Status = models.AuthValidationSuccessful
		authReq.CompletedAt = &completed
	}

	if err := s.requests.Save(ctx, authReq); err != nil {
		return nil, fmt.Errorf("failed to save authentication request: %w", err)
	}

	log.Info().
		Str("request_id", authReq.ID.String()).
		Str("applicant_id", authReq.ApplicantID).
		Str("status", string(authReq.Status)).
		Str("reason", authReq.FailureReason).
		Msg("Applicant authentication completed")

	s.publisher.Publish(ctx, events.NewAuthenticationCompleted(s.now(), authReq))

	return &Result{Request: authReq, CSR: csr}, nil
}

func (s *Service) fail(req *models.AuthenticationRequest, reason string) {
	completed := s.now()
	req.Status = models.AuthValidationFailed
	req.FailureReason = reason
	req.CompletedAt = &completed
}

// Get returns a recorded request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.AuthenticationRequest, error) {
	return s.requests.Get(ctx, id)
}
