package issuance

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/authn"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/lifecycle"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/policy"
	"github.com/wolfeidau/hybridca/internal/store/memory"
)

var deviceSubject = pkix.Name{CommonName: "dev1", Organization: []string{"Acme"}}

type fixture struct {
	svc      *Service
	cas      *authority.Service
	recorder *events.Recorder
	tokenKey *ecdsa.PrivateKey
}

func testPolicy(id string, certType models.CertificateType, hybridRequired bool) *models.CertificatePolicy {
	return &models.CertificatePolicy{
		ID:              id,
		CertificateType: certType,
		Version:         1,
		Enabled:         true,
		Crypto: models.CryptographicRule{
			SignatureAlgorithms:    []models.SignatureAlgorithm{models.SignatureECDSAP256, models.SignatureMLDSA},
			KEMAlgorithms:          []models.KEMAlgorithm{models.KEMMLKEM},
			RequireHybridSignature: hybridRequired,
		},
		Validity: models.ValidityPeriodRule{MinDays: 1, MaxDays: 365},
		Subject:  models.SubjectDNRule{RequiredAttributes: []string{"CN", "O"}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	tokenKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&tokenKey.PublicKey)
	require.NoError(t, err)
	idp, err := authn.NewJWTIdentityProvider(
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		"",
		authn.NewStaticDirectory(models.Applicant{ID: "user-1", Active: true}),
	)
	require.NoError(t, err)

	policies := memory.NewPolicyStore()
	require.NoError(t, policies.Create(ctx, testPolicy("device", models.CertificateTypeDevice, false)))
	require.NoError(t, policies.Create(ctx, testPolicy("platform", models.CertificateTypePlatform, true)))

	rec := events.NewRecorder()
	cas := authority.NewService(memory.NewAuthorityStore(), pki.NewKeyRing(), authority.Options{CRLBaseURL: "https://crl.example.com/root"})
	_, err = cas.Create(ctx, authority.CreateRequest{
		Name:               "root",
		SubjectDN:          "CN=Hybrid Root,O=Acme",
		SignatureAlgorithm: models.SignatureECDSAP256,
		Hybrid:             true,
	})
	require.NoError(t, err)

	parser := pki.NewCSRParser()
	svc := NewService(
		authn.NewService(idp, parser, memory.NewAuthRequestStore(), rec),
		policy.NewEngine(policies),
		cas,
		lifecycle.NewManager(memory.NewCertificateStore(), rec),
		parser,
	)
	return &fixture{svc: svc, cas: cas, recorder: rec, tokenKey: tokenKey}
}

func (f *fixture) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(f.tokenKey)
	require.NoError(t, err)
	return tok
}

func classicalCSR(t *testing.T, subject pkix.Name, key crypto.Signer) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	require.NoError(t, err)
	return []byte(pki.CSRPEM(der))
}

func (f *fixture) applyRequest(t *testing.T, certType models.CertificateType) ApplyRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return ApplyRequest{
		CAName:          "root",
		ApplicantID:     "user-1",
		Token:           f.token(t, "dev1"),
		CSR:             classicalCSR(t, deviceSubject, key),
		CertificateType: certType,
		NotAfter:        time.Now().Add(90 * 24 * time.Hour),
	}
}

func parseCert(t *testing.T, pemData string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemData))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestService_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("classical certificate", func(t *testing.T) {
		f := newFixture(t)
		cert, err := f.svc.Apply(ctx, f.applyRequest(t, models.CertificateTypeDevice))
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, cert.Status)
		require.Equal(t, models.SignatureECDSAP256, cert.SignatureAlgorithm)
		require.False(t, cert.IsHybrid())
		require.NotEmpty(t, cert.RequestID)

		stored, err := f.svc.Get(ctx, cert.SerialNumber)
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, stored.Status)

		x := parseCert(t, cert.PEM)
		require.Equal(t, "dev1", x.Subject.CommonName)
		require.Len(t, f.recorder.OfType(events.TypeCertificateIssued), 1)
		require.Len(t, f.recorder.OfType(events.TypeAuthenticationCompleted), 1)
	})

	t.Run("hybrid mandatory policy rejects a classical request", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Apply(ctx, f.applyRequest(t, models.CertificateTypePlatform))
		require.ErrorIs(t, err, models.ErrHybridConsistency)

		certs, err := f.svc.ListByApplicant(ctx, "user-1")
		require.NoError(t, err)
		require.Empty(t, certs)
		require.Empty(t, f.recorder.OfType(events.TypeCertificateIssued))
	})

	t.Run("validity outside policy", func(t *testing.T) {
		f := newFixture(t)
		req := f.applyRequest(t, models.CertificateTypeDevice)
		req.NotAfter = time.Now().Add(400 * 24 * time.Hour)

		_, err := f.svc.Apply(ctx, req)
		require.ErrorIs(t, err, models.ErrPolicyViolation)

		var caErr *models.Error
		require.ErrorAs(t, err, &caErr)
		require.Equal(t, models.RuleValidityPeriod, caErr.Rule)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		f := newFixture(t)
		req := f.applyRequest(t, models.CertificateTypeDevice)
		req.Token = f.token(t, "someone-else")

		_, err := f.svc.Apply(ctx, req)
		require.ErrorIs(t, err, models.ErrAuthenticationFailed)
	})

	t.Run("unknown CA", func(t *testing.T) {
		f := newFixture(t)
		req := f.applyRequest(t, models.CertificateTypeDevice)
		req.CAName = "missing"

		_, err := f.svc.Apply(ctx, req)
		require.ErrorIs(t, err, models.ErrAuthorityNotFound)
	})
}

func (f *fixture) hybridRequest(t *testing.T, pqSubject pkix.Name) (HybridApplyRequest, *mldsa65.PublicKey, *mlkem768.PublicKey) {
	t.Helper()
	base := f.applyRequest(t, models.CertificateTypePlatform)

	pqPub, pqKey, err := mldsa65.GenerateKey(rand.Reader)
	require.NoError(t, err)
	kemPub, _, err := mlkem768.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	kemSPKI, err := hybrid.MarshalPublicKey(kemPub)
	require.NoError(t, err)

	der, err := pki.CreatePQCertificateRequest(rand.Reader, pqSubject, pqKey,
		[]pkix.Extension{{Id: hybrid.OIDAttrPQCKEMPublicKey, Value: kemSPKI}})
	require.NoError(t, err)

	return HybridApplyRequest{ApplyRequest: base, PQCSR: []byte(pki.CSRPEM(der))}, pqPub, kemPub
}

func TestService_ApplyHybrid(t *testing.T) {
	ctx := context.Background()

	t.Run("catalyst certificate", func(t *testing.T) {
		f := newFixture(t)
		req, pqPub, kemPub := f.hybridRequest(t, deviceSubject)

		cert, err := f.svc.ApplyHybrid(ctx, req)
		require.NoError(t, err)
		require.True(t, cert.IsHybrid())
		require.Equal(t, models.SignatureMLDSA, cert.Hybrid.AltSignatureAlgorithm)
		require.NotEmpty(t, cert.Hybrid.PQCKEMPublicKeyPEM)

		x := parseCert(t, cert.PEM)
		sigKey, err := hybrid.ExtractPQCSignaturePublicKey(x)
		require.NoError(t, err)
		require.True(t, pqPub.Equal(sigKey))

		kemKey, err := hybrid.ExtractPQCKEMPublicKey(x)
		require.NoError(t, err)
		require.IsType(t, &mlkem768.PublicKey{}, kemKey)
		require.True(t, kemPub.Equal(kemKey.(*mlkem768.PublicKey)))

		altPEM, err := f.cas.AltPublicKeyPEM(ctx, "root")
		require.NoError(t, err)
		altPub, err := hybrid.ParsePublicKeyPEM(altPEM)
		require.NoError(t, err)
		require.NoError(t, hybrid.VerifyAltSignature(x, altPub))
	})

	t.Run("subject mismatch persists nothing", func(t *testing.T) {
		f := newFixture(t)
		req, _, _ := f.hybridRequest(t, pkix.Name{CommonName: "dev1", Organization: []string{"Other"}})

		_, err := f.svc.ApplyHybrid(ctx, req)
		require.ErrorIs(t, err, models.ErrHybridConsistency)

		certs, err := f.svc.ListByApplicant(ctx, "user-1")
		require.NoError(t, err)
		require.Empty(t, certs)
	})

	t.Run("classical CSR in place of the PQ CSR", func(t *testing.T) {
		f := newFixture(t)
		req, _, _ := f.hybridRequest(t, deviceSubject)
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		req.PQCSR = classicalCSR(t, deviceSubject, key)

		_, err = f.svc.ApplyHybrid(ctx, req)
		require.ErrorIs(t, err, models.ErrHybridConsistency)
	})
}

func TestService_RenewRevokeChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old, err := f.svc.Apply(ctx, f.applyRequest(t, models.CertificateTypeDevice))
	require.NoError(t, err)

	t.Run("chain", func(t *testing.T) {
		chain, err := f.svc.Chain(ctx, old.SerialNumber)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		require.Equal(t, old.SerialNumber, chain[0].SerialNumber)
		require.Equal(t, "CN=Hybrid Root,O=Acme", chain[1].SubjectDN)

		leaf := parseCert(t, chain[0].PEM)
		root := parseCert(t, chain[1].PEM)
		require.NoError(t, leaf.CheckSignatureFrom(root))
	})

	t.Run("renew", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		renewed, err := f.svc.Renew(ctx, RenewRequest{
			SerialNumber: old.SerialNumber,
			Token:        f.token(t, "dev1"),
			CSR:          classicalCSR(t, deviceSubject, key),
			NotAfter:     time.Now().Add(180 * 24 * time.Hour),
		})
		require.NoError(t, err)
		require.NotEqual(t, old.SerialNumber, renewed.SerialNumber)
		require.Equal(t, models.StatusActive, renewed.Status)

		prev, err := f.svc.Get(ctx, old.SerialNumber)
		require.NoError(t, err)
		require.Equal(t, models.StatusRenewalDue, prev.Status)

		_, err = f.svc.Renew(ctx, RenewRequest{SerialNumber: old.SerialNumber, Token: f.token(t, "dev1")})
		require.ErrorIs(t, err, models.ErrInvalidStateTransition)
	})

	t.Run("revoke", func(t *testing.T) {
		second, err := f.svc.Apply(ctx, f.applyRequest(t, models.CertificateTypeDevice))
		require.NoError(t, err)
		third, err := f.svc.Apply(ctx, f.applyRequest(t, models.CertificateTypeDevice))
		require.NoError(t, err)

		_, err = f.svc.Revoke(ctx, second.SerialNumber, models.ReasonKeyCompromise, "admin", "lost")
		require.NoError(t, err)

		outcomes := f.svc.BatchRevoke(ctx, []string{second.SerialNumber, third.SerialNumber}, models.ReasonSuperseded, "admin", "")
		require.Len(t, outcomes, 2)
		require.ErrorIs(t, outcomes[0].Err, models.ErrInvalidStateTransition)
		require.True(t, outcomes[1].Revoked)
	})
}
