package authority

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/store"
)

// DefaultCAValidity is the lifetime of a newly created CA certificate.
const DefaultCAValidity = 10 * 365 * 24 * time.Hour

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CreateRequest describes a new self-signed CA.
type CreateRequest struct {
	Name               string
	SubjectDN          string
	SignatureAlgorithm models.SignatureAlgorithm
	// Hybrid provisions an ML-DSA alternate key and issues a Catalyst CA
	// certificate carrying it.
	Hybrid   bool
	Validity time.Duration
}

// Service resolves CAs by name or id and runs issuance and CRL generation
// against their aggregates.
type Service struct {
	authorities store.AuthorityStore
	keys        pki.KeyStore
	builder     *pki.Builder
	opts        Options

	mu     sync.Mutex
	loaded map[uuid.UUID]*Authority
}

// NewService creates a CA service.
func NewService(authorities store.AuthorityStore, keys pki.KeyStore, opts Options) *Service {
	return &Service{
		authorities: authorities,
		keys:        keys,
		builder:     pki.NewBuilder(),
		opts:        opts.withDefaults(),
		loaded:      make(map[uuid.UUID]*Authority),
	}
}

// Create provisions keys and a self-signed certificate for a new CA.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.CertificateAuthority, error) {
	if !validName.MatchString(req.Name) {
		return nil, models.NewError("create authority", models.KindInvalidInput,
			fmt.Errorf("invalid authority name %q", req.Name))
	}
	if _, err := s.authorities.GetByName(ctx, req.Name); err == nil {
		return nil, models.NewError("create authority", models.KindInvalidInput,
			fmt.Errorf("authority %s already exists", req.Name))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up authority: %w", err)
	}
	if err := pki.CheckPrimaryAlgorithm(req.SignatureAlgorithm); err != nil {
		return nil, err
	}
	subject, err := pki.ParseDN(req.SubjectDN)
	if err != nil {
		return nil, err
	}

	var altAlg models.SignatureAlgorithm
	if req.Hybrid {
		altAlg = models.SignatureMLDSA
	}

	keys, err := s.keys.Provision(ctx, req.Name, req.SignatureAlgorithm, altAlg)
	if err != nil {
		return nil, err
	}
	signer, err := keys.GetSigningPrivateKey(ctx, req.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}

	var rc *hybrid.RequestContext
	if req.Hybrid {
		altSigner, err := keys.GetAltSigningPrivateKey(ctx, altAlg)
		if err != nil {
			return nil, err
		}
		rc = &hybrid.RequestContext{
			Enabled:               true,
			PQCSignaturePublicKey: altSigner.Public(),
			AltSignatureAlgorithm: altAlg,
			AltSignatureRequired:  true,
			AltSigner:             altSigner,
		}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	serial.Add(serial, big.NewInt(1))

	validity := req.Validity
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	now := s.opts.Now()

	der, err := s.builder.BuildCertificate(pki.CertificateRequest{
		SerialNumber: serial,
		Subject:      subject,
		PublicKey:    signer.Public(),
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		IsCA:         true,
		MaxPathLen:   1,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}, nil, signer, req.SignatureAlgorithm, rc)
	if err != nil {
		return nil, wrapCrypto("create authority", req.SignatureAlgorithm, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, models.CryptoFailure("create authority", string(req.SignatureAlgorithm), err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate authority id: %w", err)
	}

	state := &models.CertificateAuthority{
		ID:                    id,
		Name:                  req.Name,
		SubjectDN:             cert.Subject.String(),
		CertificatePEM:        pki.CertificatePEM(der),
		CertificateSerial:     pki.FormatSerial(cert.SerialNumber),
		SignatureAlgorithm:    req.SignatureAlgorithm,
		AltSignatureAlgorithm: altAlg,
		NotBefore:             cert.NotBefore,
		NotAfter:              cert.NotAfter,
		NextSerial:            1,
		NextCRLNumber:         1,
		Enabled:               true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.authorities.Create(ctx, state); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, models.NewError("create authority", models.KindInvalidInput,
				fmt.Errorf("authority %s already exists", req.Name))
		}
		return nil, fmt.Errorf("failed to save authority: %w", err)
	}

	log.Info().
		Str("ca_id", id.String()).
		Str("ca_name", req.Name).
		Str("subject_dn", state.SubjectDN).
		Str("algorithm", string(req.SignatureAlgorithm)).
		Bool("hybrid", req.Hybrid).
		Msg("Created certificate authority")

	return state.Clone(), nil
}

// Get returns the stored state of a CA by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.CertificateAuthority, error) {
	state, err := s.authorities.Get(ctx, id)
	if err != nil {
		return nil, notFound(id.String(), err)
	}
	return state, nil
}

// GetByName returns the stored state of a CA by name.
func (s *Service) GetByName(ctx context.Context, name string) (*models.CertificateAuthority, error) {
	state, err := s.authorities.GetByName(ctx, name)
	if err != nil {
		return nil, notFound(name, err)
	}
	return state, nil
}

// List returns every CA.
func (s *Service) List(ctx context.Context) ([]*models.CertificateAuthority, error) {
	cas, err := s.authorities.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorities: %w", err)
	}
	return cas, nil
}

// SetEnabled enables or disables issuance for a CA.
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) error {
	a, err := s.loadByName(ctx, name)
	if err != nil {
		return err
	}
	a.SetEnabled(enabled)

	snap := a.Snapshot()
	snap.UpdatedAt = s.opts.Now()
	if err := s.authorities.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save authority %s: %w", name, err)
	}
	return nil
}

// Issue signs a certificate with the named CA.
func (s *Service) Issue(ctx context.Context, caName string, req IssueRequest, rc *hybrid.RequestContext) (*models.Certificate, error) {
	a, err := s.loadByName(ctx, caName)
	if err != nil {
		return nil, err
	}
	if req.SignatureAlgorithm == "" {
		req.SignatureAlgorithm = a.SignatureAlgorithm()
	}
	keys, err := s.keysFor(ctx, a)
	if err != nil {
		return nil, err
	}

	return a.IssueCertificate(ctx, req, keys, rc)
}

// GenerateCRL signs a CRL for the named CA.
func (s *Service) GenerateCRL(ctx context.Context, caName string, revoked []models.RevokedEntry) (*models.CRL, []events.Event, error) {
	a, err := s.loadByName(ctx, caName)
	if err != nil {
		return nil, nil, err
	}
	keys, err := s.keysFor(ctx, a)
	if err != nil {
		return nil, nil, err
	}

	return a.GenerateCRL(ctx, revoked, keys, a.SignatureAlgorithm())
}

// Authority returns the loaded aggregate for a CA name.
func (s *Service) Authority(ctx context.Context, name string) (*Authority, error) {
	return s.loadByName(ctx, name)
}

// AltPublicKeyPEM returns the CA's alternate verification key, used by
// relying parties to check Catalyst signatures.
func (s *Service) AltPublicKeyPEM(ctx context.Context, name string) (string, error) {
	a, err := s.loadByName(ctx, name)
	if err != nil {
		return "", err
	}
	if a.state.AltSignatureAlgorithm == "" {
		return "", models.KeyUnavailable("alternate public key", "", fmt.Errorf("authority %s is not hybrid", name))
	}
	keys, err := s.keysFor(ctx, a)
	if err != nil {
		return "", err
	}
	pub, err := keys.GetPublicKey(ctx, a.state.AltSignatureAlgorithm)
	if err != nil {
		return "", err
	}
	return hybrid.PublicKeyPEM(pub)
}

// keysFor resolves the key provider per operation and checks it still holds
// the key certified by the CA certificate.
func (s *Service) keysFor(ctx context.Context, a *Authority) (pki.KeyProvider, error) {
	keys, err := s.keys.ForAuthority(ctx, a.Name())
	if err != nil {
		return nil, err
	}
	pub, err := keys.GetPublicKey(ctx, a.SignatureAlgorithm())
	if err != nil {
		return nil, err
	}
	if err := pki.VerifyCertKeyPair(a.Certificate(), pub); err != nil {
		return nil, models.KeyUnavailable("load keys", string(a.SignatureAlgorithm()),
			fmt.Errorf("CA key and certificate do not match: %w", err))
	}
	return keys, nil
}

// loadByName reads the CA from the store on every call so the enabled flag
// written by another process is honoured. The parsed aggregate is reused
// while the CA certificate is unchanged.
func (s *Service) loadByName(ctx context.Context, name string) (*Authority, error) {
	state, err := s.authorities.GetByName(ctx, name)
	if err != nil {
		return nil, notFound(name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.loaded[state.ID]; ok && a.state.CertificatePEM == state.CertificatePEM {
		a.SetEnabled(state.Enabled)
		return a, nil
	}
	a, err := New(state, s.builder, s.authorities, s.opts)
	if err != nil {
		return nil, err
	}
	s.loaded[state.ID] = a
	return a, nil
}

func notFound(key string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return models.NewError("authority", models.KindAuthorityNotFound, fmt.Errorf("authority %s", key))
	}
	return fmt.Errorf("failed to load authority %s: %w", key, err)
}
