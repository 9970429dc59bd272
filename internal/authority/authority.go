package authority

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/storage"
)

// DefaultCRLValidity is the gap between thisUpdate and nextUpdate.
const DefaultCRLValidity = 24 * time.Hour

// Options configure every Authority created by a Service.
type Options struct {
	CRLValidity time.Duration
	// CRLBaseURL is the public prefix CRLs are published under. Issued
	// certificates point at <CRLBaseURL>/<ca name>/ca.crl.
	CRLBaseURL string
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CRLValidity <= 0 {
		o.CRLValidity = DefaultCRLValidity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.CRLBaseURL = strings.TrimSuffix(o.CRLBaseURL, "/")
	return o
}

// IssueRequest is one certificate to sign.
type IssueRequest struct {
	SubjectDN          string
	RawSubject         []byte // DER subject from the CSR, preferred over SubjectDN
	PublicKey          crypto.PublicKey
	NotBefore          time.Time
	NotAfter           time.Time
	SignatureAlgorithm models.SignatureAlgorithm
	KEMAlgorithm       models.KEMAlgorithm
	CertificateType    models.CertificateType
	ApplicantID        string
	RequestID          string
}

// Counters hands out serial sequence values and CRL numbers. Implementations
// must never return the same value twice for a CA, across processes too.
type Counters interface {
	AllocateSerial(ctx context.Context, id uuid.UUID) (uint64, error)
	AllocateCRLNumber(ctx context.Context, id uuid.UUID) (int64, error)
}

// Authority is the signing aggregate of one CA. Serial and CRL numbers come
// from the shared Counters, never from process memory.
type Authority struct {
	state    models.CertificateAuthority
	cert     *x509.Certificate
	builder  *pki.Builder
	counters Counters
	opts     Options

	enabled atomic.Bool
}

// New wraps persisted CA state.
func New(state *models.CertificateAuthority, builder *pki.Builder, counters Counters, opts Options) (*Authority, error) {
	cert, err := pki.ParseCertificatePEM(state.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("authority %s: %w", state.Name, err)
	}

	a := &Authority{
		state:    *state.Clone(),
		cert:     cert,
		builder:  builder,
		counters: counters,
		opts:     opts.withDefaults(),
	}
	a.enabled.Store(state.Enabled)
	return a, nil
}

// ID returns the CA id.
func (a *Authority) ID() string { return a.state.ID.String() }

// Name returns the CA name.
func (a *Authority) Name() string { return a.state.Name }

// SignatureAlgorithm returns the primary signing algorithm.
func (a *Authority) SignatureAlgorithm() models.SignatureAlgorithm { return a.state.SignatureAlgorithm }

// Certificate returns the parsed CA certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// SetEnabled toggles issuance.
func (a *Authority) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

// Enabled reports whether the CA may issue.
func (a *Authority) Enabled() bool { return a.enabled.Load() }

// Snapshot returns the state to persist. Counter fields are as loaded and
// are ignored by the store on save.
func (a *Authority) Snapshot() *models.CertificateAuthority {
	out := a.state.Clone()
	out.Enabled = a.enabled.Load()
	return out
}

// allocateSerial returns 64 random bits followed by the 64 bit per-CA
// sequence. The sequence alone guarantees uniqueness.
func (a *Authority) allocateSerial(ctx context.Context) (*big.Int, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:8]); err != nil {
		return nil, models.CryptoFailure("issue", "", fmt.Errorf("failed to read serial entropy: %w", err))
	}
	seq, err := a.counters.AllocateSerial(ctx, a.state.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate serial for %s: %w", a.state.Name, err)
	}
	binary.BigEndian.PutUint64(buf[8:], seq)
	return new(big.Int).SetBytes(buf[:]), nil
}

// IssueCertificate signs a certificate. The result is PENDING_ISSUANCE; a
// failed issuance still consumes its serial number.
func (a *Authority) IssueCertificate(ctx context.Context, req IssueRequest, keys pki.KeyProvider, rc *hybrid.RequestContext) (*models.Certificate, error) {
	alg := req.SignatureAlgorithm
	if !a.Enabled() {
		return nil, models.KeyUnavailable("issue", string(alg), fmt.Errorf("authority %s is disabled", a.state.Name))
	}
	if req.PublicKey == nil {
		return nil, models.NewError("issue", models.KindInvalidInput, errors.New("public key is required"))
	}

	signer, err := keys.GetSigningPrivateKey(ctx, alg)
	if err != nil {
		return nil, err
	}

	rc, err = a.resolveHybrid(ctx, alg, keys, rc)
	if err != nil {
		return nil, err
	}

	serial, err := a.allocateSerial(ctx)
	if err != nil {
		return nil, err
	}

	certReq, err := a.certificateRequest(req, serial)
	if err != nil {
		return nil, err
	}

	der, err := a.builder.BuildCertificate(certReq, a.cert, signer, alg, rc)
	if err != nil {
		return nil, wrapCrypto("issue", alg, err)
	}
	issued, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, models.CryptoFailure("issue", string(alg), err)
	}

	now := a.opts.Now()
	cert := &models.Certificate{
		SerialNumber:       pki.FormatSerial(issued.SerialNumber),
		CAID:               a.state.ID,
		Type:               req.CertificateType,
		SubjectDN:          issued.Subject.String(),
		IssuerDN:           a.state.SubjectDN,
		Status:             models.StatusPendingIssuance,
		NotBefore:          issued.NotBefore,
		NotAfter:           issued.NotAfter,
		SignatureAlgorithm: alg,
		ApplicantID:        req.ApplicantID,
		RequestID:          req.RequestID,
		PEM:                pki.CertificatePEM(der),
		Notification:       models.DefaultNotificationPolicy(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if rc.IsEnabled() {
		fields, err := rc.Fields()
		if err != nil {
			return nil, models.CryptoFailure("issue", string(alg), err)
		}
		fields.Bundle = cert.PEM + fields.PQCSignaturePublicKeyPEM + fields.PQCKEMPublicKeyPEM
		cert.Hybrid = fields
	}

	log.Debug().
		Str("ca_name", a.state.Name).
		Str("serial_number", cert.SerialNumber).
		Str("algorithm", string(alg)).
		Bool("hybrid", cert.IsHybrid()).
		Msg("Certificate signed")

	return cert, nil
}

// resolveHybrid copies rc, defaults the alternate algorithm to the primary
// and fetches the alternate key when the caller did not supply one.
func (a *Authority) resolveHybrid(ctx context.Context, alg models.SignatureAlgorithm, keys pki.KeyProvider, rc *hybrid.RequestContext) (*hybrid.RequestContext, error) {
	if !rc.IsEnabled() {
		return nil, nil
	}
	out := *rc
	if out.AltSignatureAlgorithm == "" {
		out.AltSignatureAlgorithm = alg
	}
	if out.AltSignatureRequired && out.AltSigner == nil {
		altSigner, err := keys.GetAltSigningPrivateKey(ctx, out.AltSignatureAlgorithm)
		if err != nil {
			return nil, err
		}
		out.AltSigner = altSigner
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Authority) certificateRequest(req IssueRequest, serial *big.Int) (pki.CertificateRequest, error) {
	certReq := pki.CertificateRequest{
		SerialNumber: serial,
		RawSubject:   req.RawSubject,
		PublicKey:    req.PublicKey,
		NotBefore:    req.NotBefore,
		NotAfter:     req.NotAfter,
	}
	if len(req.RawSubject) == 0 {
		subject, err := pki.ParseDN(req.SubjectDN)
		if err != nil {
			return certReq, err
		}
		certReq.Subject = subject
	}
	if a.opts.CRLBaseURL != "" {
		certReq.CRLDistributionPoints = []string{a.opts.CRLBaseURL + "/" + storage.LatestObjectName(a.state.Name)}
	}

	switch {
	case req.CertificateType.IsCA():
		certReq.IsCA = true
		certReq.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	case req.CertificateType == models.CertificateTypePlatform:
		certReq.KeyUsage = x509.KeyUsageDigitalSignature
		certReq.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	default:
		certReq.KeyUsage = x509.KeyUsageDigitalSignature
		certReq.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	return certReq, nil
}

// GenerateCRL signs a CRL over revoked and returns the CRLIssued event. The
// CRL number is consumed even when signing fails.
func (a *Authority) GenerateCRL(ctx context.Context, revoked []models.RevokedEntry, keys pki.KeyProvider, sigAlg models.SignatureAlgorithm) (*models.CRL, []events.Event, error) {
	signer, err := keys.GetSigningPrivateKey(ctx, sigAlg)
	if err != nil {
		return nil, nil, err
	}

	number, err := a.counters.AllocateCRLNumber(ctx, a.state.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate CRL number for %s: %w", a.state.Name, err)
	}
	now := a.opts.Now().UTC().Truncate(time.Second)
	entries := append([]models.RevokedEntry(nil), revoked...)

	der, err := a.builder.BuildCRL(pki.CRLRequest{
		Number:     number,
		ThisUpdate: now,
		NextUpdate: now.Add(a.opts.CRLValidity),
		Entries:    entries,
	}, a.cert, signer, sigAlg)
	if err != nil {
		return nil, nil, wrapCrypto("generate CRL", sigAlg, err)
	}

	crl := &models.CRL{
		CAID:       a.state.ID,
		Number:     number,
		IssuerDN:   a.state.SubjectDN,
		ThisUpdate: now,
		NextUpdate: now.Add(a.opts.CRLValidity),
		Entries:    entries,
		DER:        der,
		PEM:        pki.CRLPEM(der),
		URL:        a.CRLURL(number),
	}

	log.Debug().
		Str("ca_name", a.state.Name).
		Int64("crl_number", number).
		Int("revoked_count", len(entries)).
		Msg("CRL signed")

	return crl, []events.Event{events.NewCRLIssued(now, crl)}, nil
}

// CRLURL is the distribution URL of CRL number n.
func (a *Authority) CRLURL(n int64) string {
	return a.opts.CRLBaseURL + "/" + storage.CRLObjectName(a.state.Name, n)
}

func wrapCrypto(op string, alg models.SignatureAlgorithm, err error) error {
	var caErr *models.Error
	if errors.As(err, &caErr) {
		return err
	}
	return models.CryptoFailure(op, string(alg), err)
}
