// Package issuance runs certificate applications end to end: applicant
// authentication, policy evaluation, signing, registration and revocation.
package issuance

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/authn"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/lifecycle"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/policy"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ApplyRequest is a classical certificate application.
type ApplyRequest struct {
	CAName          string
	ApplicantID     string
	Token           string
	CSR             []byte
	CertificateType models.CertificateType
	// SignatureAlgorithm defaults to the CA's algorithm.
	SignatureAlgorithm models.SignatureAlgorithm
	KEMAlgorithm       models.KEMAlgorithm
	// NotBefore defaults to now.
	NotBefore time.Time
	NotAfter  time.Time
}

// HybridApplyRequest adds the post-quantum CSR of a Catalyst application.
type HybridApplyRequest struct {
	ApplyRequest
	PQCSR []byte
	// AltSignatureAlgorithm defaults to the CA's alternate algorithm, or its
	// primary algorithm when the CA has none.
	AltSignatureAlgorithm models.SignatureAlgorithm
	MerkleRoot            []byte
	SidecarURL            string
}

// RenewRequest replaces an active certificate with a new one for the same
// applicant from the same CA.
type RenewRequest struct {
	SerialNumber string
	Token        string
	CSR          []byte
	NotAfter     time.Time
}

// ChainLink is one certificate in an issuance chain, leaf first.
type ChainLink struct {
	SerialNumber string
	SubjectDN    string
	IssuerDN     string
	PEM          string
	Level        int
}

// Service orchestrates certificate issuance.
type Service struct {
	auth   *authn.Service
	policy *policy.Engine
	cas    *authority.Service
	certs  *lifecycle.Manager
	parser *pki.CSRParser
	now    func() time.Time
}

// NewService wires the issuance pipeline.
func NewService(auth *authn.Service, engine *policy.Engine, cas *authority.Service, certs *lifecycle.Manager, parser *pki.CSRParser) *Service {
	return &Service{
		auth:   auth,
		policy: engine,
		cas:    cas,
		certs:  certs,
		parser: parser,
		now:    time.Now,
	}
}

// Apply issues a classical certificate. A policy that mandates hybrid
// certificates rejects the request with HybridConsistencyFailure.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (_ *models.Certificate, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "issuance.Apply", trace.WithAttributes(
		attribute.String("ca_name", req.CAName),
		attribute.String("certificate_type", string(req.CertificateType)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()

	auth, err := s.authenticate(ctx, req.ApplicantID, req.Token, req.CSR)
	if err != nil {
		return nil, err
	}
	ca, err := s.cas.GetByName(ctx, req.CAName)
	if err != nil {
		return nil, err
	}
	req = s.withDefaults(req, ca)

	if err := s.checkPolicy(ctx, req, auth.CSR.SubjectDN); err != nil {
		return nil, err
	}
	required, err := s.policy.RequiresHybridSignature(ctx, req.CertificateType)
	if err != nil {
		return nil, err
	}
	if required {
		return nil, &models.Error{
			Op:   "apply",
			Kind: models.KindHybridConsistency,
			Rule: models.RuleHybrid,
			Err:  fmt.Errorf("policy for %s requires a hybrid certificate", req.CertificateType),
		}
	}

	cert, err := s.cas.Issue(ctx, req.CAName, issueRequest(req, auth), nil)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, cert, start)
}

// ApplyHybrid issues a Catalyst certificate from a classical and a
// post-quantum CSR with byte-identical subjects.
func (s *Service) ApplyHybrid(ctx context.Context, req HybridApplyRequest) (_ *models.Certificate, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "issuance.ApplyHybrid", trace.WithAttributes(
		attribute.String("ca_name", req.CAName),
		attribute.String("certificate_type", string(req.CertificateType)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()

	auth, err := s.authenticate(ctx, req.ApplicantID, req.Token, req.CSR)
	if err != nil {
		return nil, err
	}
	pq, err := s.parser.Parse(req.PQCSR)
	if err != nil {
		return nil, err
	}
	if err := hybrid.CheckDualCSR(auth.CSR, pq); err != nil {
		return nil, err
	}

	ca, err := s.cas.GetByName(ctx, req.CAName)
	if err != nil {
		return nil, err
	}
	req.ApplyRequest = s.withDefaults(req.ApplyRequest, ca)

	rc, err := requestContext(req, auth.CSR, pq, ca)
	if err != nil {
		return nil, err
	}
	if req.KEMAlgorithm == "" && rc.PQCKEMPublicKey != nil {
		req.KEMAlgorithm = models.KEMMLKEM
	}
	if req.KEMAlgorithm == models.KEMMLKEM && rc.PQCKEMPublicKey == nil {
		return nil, models.NewError("apply hybrid", models.KindHybridConsistency,
			errors.New("ML-KEM requested without a KEM public key"))
	}

	if err := s.checkPolicy(ctx, req.ApplyRequest, auth.CSR.SubjectDN); err != nil {
		return nil, err
	}

	cert, err := s.cas.Issue(ctx, req.CAName, issueRequest(req.ApplyRequest, auth), rc)
	if err != nil {
		return nil, err
	}
	return s.register(ctx, cert, start)
}

// requestContext builds the Catalyst material. The PQC signature key comes
// from the PQ CSR's attribute or, failing that, its subject key; the KEM key
// from either CSR's attributes.
func requestContext(req HybridApplyRequest, classical, pq *models.ParsedCSR, ca *models.CertificateAuthority) (*hybrid.RequestContext, error) {
	rc := &hybrid.RequestContext{
		Enabled:               true,
		SignatureProof:        pq.PQCSignatureValue,
		KEMProof:              firstNonEmpty(pq.PQCKEMProof, classical.PQCKEMProof),
		AltSignatureAlgorithm: req.AltSignatureAlgorithm,
		AltSignatureRequired:  true,
		MerkleRoot:            req.MerkleRoot,
		SidecarURL:            req.SidecarURL,
	}
	if rc.AltSignatureAlgorithm == "" {
		rc.AltSignatureAlgorithm = ca.AltSignatureAlgorithm
	}

	var err error
	if rc.PQCSignaturePublicKey, err = pqcKey(pq.PQCSignaturePublicKeyPEM, pq.PublicKey); err != nil {
		return nil, err
	}
	if hybrid.KeyAlgorithm(rc.PQCSignaturePublicKey) != "ML-DSA" {
		return nil, models.NewError("apply hybrid", models.KindHybridConsistency,
			errors.New("post-quantum CSR does not carry an ML-DSA key"))
	}

	kemPEM := pq.PQCKEMPublicKeyPEM
	if kemPEM == "" {
		kemPEM = classical.PQCKEMPublicKeyPEM
	}
	if kemPEM != "" {
		if rc.PQCKEMPublicKey, err = pqcKey(kemPEM, nil); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func pqcKey(pemData string, fallback crypto.PublicKey) (crypto.PublicKey, error) {
	if pemData == "" {
		return fallback, nil
	}
	key, err := hybrid.ParsePublicKeyPEM(pemData)
	if err != nil {
		return nil, models.NewError("apply hybrid", models.KindInvalidInput, err)
	}
	return key, nil
}

func firstNonEmpty(values ...[]byte) []byte {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

// Renew issues a replacement for an active certificate and moves the old one
// to RENEWAL_DUE once the replacement is registered.
func (s *Service) Renew(ctx context.Context, req RenewRequest) (*models.Certificate, error) {
	start := time.Now()

	old, err := s.certs.Get(ctx, req.SerialNumber)
	if err != nil {
		return nil, err
	}
	if old.Status != models.StatusActive {
		return nil, models.InvalidTransition("renew", old.Status, old.SerialNumber)
	}
	ca, err := s.cas.Get(ctx, old.CAID)
	if err != nil {
		return nil, err
	}

	replacement, err := s.Apply(ctx, ApplyRequest{
		CAName:             ca.Name,
		ApplicantID:        old.ApplicantID,
		Token:              req.Token,
		CSR:                req.CSR,
		CertificateType:    old.Type,
		SignatureAlgorithm: old.SignatureAlgorithm,
		NotAfter:           req.NotAfter,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.certs.MarkForRenewal(ctx, old.SerialNumber); err != nil {
		log.Warn().Err(err).
			Str("serial_number", old.SerialNumber).
			Str("replacement", replacement.SerialNumber).
			Msg("Failed to mark renewed certificate")
	}

	log.Info().
		Str("serial_number", old.SerialNumber).
		Str("replacement", replacement.SerialNumber).
		Dur("duration", time.Since(start)).
		Msg("Certificate renewed")
	return replacement, nil
}

// Revoke revokes a single certificate.
func (s *Service) Revoke(ctx context.Context, serial string, reason models.RevocationReason, operator, comments string) (*models.Certificate, error) {
	return s.certs.Revoke(ctx, serial, reason, operator, comments)
}

// BatchRevoke revokes each serial independently and reports per serial.
func (s *Service) BatchRevoke(ctx context.Context, serials []string, reason models.RevocationReason, operator, comments string) []lifecycle.RevokeOutcome {
	return s.certs.BatchRevoke(ctx, serials, reason, operator, comments)
}

// Get returns an issued certificate.
func (s *Service) Get(ctx context.Context, serial string) (*models.Certificate, error) {
	return s.certs.Get(ctx, serial)
}

// ListByApplicant returns every certificate issued to an applicant.
func (s *Service) ListByApplicant(ctx context.Context, applicantID string) ([]*models.Certificate, error) {
	return s.certs.ListByApplicant(ctx, applicantID)
}

// Chain returns the certificate followed by its issuing CA certificate.
func (s *Service) Chain(ctx context.Context, serial string) ([]ChainLink, error) {
	cert, err := s.certs.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	ca, err := s.cas.Get(ctx, cert.CAID)
	if err != nil {
		return nil, err
	}

	return []ChainLink{
		{
			SerialNumber: cert.SerialNumber,
			SubjectDN:    cert.SubjectDN,
			IssuerDN:     cert.IssuerDN,
			PEM:          cert.PEM,
			Level:        0,
		},
		{
			SerialNumber: ca.CertificateSerial,
			SubjectDN:    ca.SubjectDN,
			IssuerDN:     ca.SubjectDN,
			PEM:          ca.CertificatePEM,
			Level:        1,
		},
	}, nil
}

func (s *Service) authenticate(ctx context.Context, applicantID, token string, csr []byte) (*authn.Result, error) {
	res, err := s.auth.Authenticate(ctx, authn.AuthRequest{
		ApplicantID: applicantID,
		Token:       token,
		CSR:         csr,
	})
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, models.NewError("authenticate", models.KindAuthentication, errors.New(res.Request.FailureReason))
	}
	return res, nil
}

func (s *Service) withDefaults(req ApplyRequest, ca *models.CertificateAuthority) ApplyRequest {
	if req.SignatureAlgorithm == "" {
		req.SignatureAlgorithm = ca.SignatureAlgorithm
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = s.now()
	}
	return req
}

func (s *Service) checkPolicy(ctx context.Context, req ApplyRequest, subjectDN string) error {
	if req.NotAfter.IsZero() {
		return models.NewError("apply", models.KindInvalidInput, errors.New("notAfter is required"))
	}
	return s.policy.Check(ctx, req.CertificateType, policy.Request{
		SignatureAlgorithm: req.SignatureAlgorithm,
		KEMAlgorithm:       req.KEMAlgorithm,
		SubjectDN:          subjectDN,
		NotBefore:          req.NotBefore,
		NotAfter:           req.NotAfter,
	})
}

func issueRequest(req ApplyRequest, auth *authn.Result) authority.IssueRequest {
	return authority.IssueRequest{
		SubjectDN:          auth.CSR.SubjectDN,
		RawSubject:         auth.CSR.RawSubject,
		PublicKey:          auth.CSR.PublicKey,
		NotBefore:          req.NotBefore,
		NotAfter:           req.NotAfter,
		SignatureAlgorithm: req.SignatureAlgorithm,
		KEMAlgorithm:       req.KEMAlgorithm,
		CertificateType:    req.CertificateType,
		ApplicantID:        req.ApplicantID,
		RequestID:          auth.Request.ID.String(),
	}
}

func (s *Service) register(ctx context.Context, cert *models.Certificate, start time.Time) (*models.Certificate, error) {
	cert, err := s.certs.Register(ctx, cert)
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(
		attribute.String("certificate_type", string(cert.Type)),
		attribute.Bool("hybrid", cert.IsHybrid()),
	)
	telemetry.GetMetrics().CertificatesIssuedTotal.Add(ctx, 1, attrs)
	telemetry.GetMetrics().IssuanceDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	log.Info().
		Str("serial_number", cert.SerialNumber).
		Str("ca_id", cert.CAID.String()).
		Str("subject", cert.SubjectDN).
		Bool("hybrid", cert.IsHybrid()).
		Msg("Certificate issued")
	return cert, nil
}
