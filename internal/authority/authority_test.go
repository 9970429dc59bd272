package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/store/memory"
)

type fixture struct {
	svc   *Service
	store *memory.AuthorityStore
	keys  *pki.KeyRing
}

func newFixture(t *testing.T, hybridCA bool) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewAuthorityStore(), keys: pki.NewKeyRing()}
	f.svc = NewService(f.store, f.keys, Options{CRLBaseURL: "https://crl.example.com/"})

	_, err := f.svc.Create(context.Background(), CreateRequest{
		Name:               "root",
		SubjectDN:          "CN=Hybrid Root,O=Acme",
		SignatureAlgorithm: models.SignatureECDSAP256,
		Hybrid:             hybridCA,
	})
	require.NoError(t, err)
	return f
}

func deviceRequest(t *testing.T) IssueRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	return IssueRequest{
		SubjectDN:          "CN=dev1,O=Acme",
		PublicKey:          &key.PublicKey,
		NotBefore:          now,
		NotAfter:           now.Add(30 * 24 * time.Hour),
		SignatureAlgorithm: models.SignatureECDSAP256,
		CertificateType:    models.CertificateTypeDevice,
		ApplicantID:        "user-1",
	}
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	ca, err := f.svc.GetByName(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, "CN=Hybrid Root,O=Acme", ca.SubjectDN)
	require.Equal(t, models.SignatureMLDSA, ca.AltSignatureAlgorithm)
	require.Equal(t, uint64(1), ca.NextSerial)
	require.Equal(t, int64(1), ca.NextCRLNumber)

	t.Run("CA certificate carries its alternate signature", func(t *testing.T) {
		cert, err := pki.ParseCertificatePEM(ca.CertificatePEM)
		require.NoError(t, err)
		require.True(t, cert.IsCA)

		altPEM, err := f.svc.AltPublicKeyPEM(ctx, "root")
		require.NoError(t, err)
		altPub, err := hybrid.ParsePublicKeyPEM(altPEM)
		require.NoError(t, err)
		require.NoError(t, hybrid.VerifyAltSignature(cert, altPub))
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := f.svc.Create(ctx, CreateRequest{Name: "root", SubjectDN: "CN=Other", SignatureAlgorithm: models.SignatureECDSAP256})
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := f.svc.Create(ctx, CreateRequest{Name: "bad name!", SubjectDN: "CN=Other", SignatureAlgorithm: models.SignatureECDSAP256})
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("ML-DSA primary", func(t *testing.T) {
		_, err := f.svc.Create(ctx, CreateRequest{Name: "pq", SubjectDN: "CN=PQ", SignatureAlgorithm: models.SignatureMLDSA})
		require.ErrorIs(t, err, models.ErrUnsupportedAlgorithm)
	})

	t.Run("unknown authority", func(t *testing.T) {
		_, err := f.svc.GetByName(ctx, "missing")
		require.ErrorIs(t, err, models.ErrAuthorityNotFound)
	})
}

func TestService_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("classical certificate", func(t *testing.T) {
		f := newFixture(t, false)
		cert, err := f.svc.Issue(ctx, "root", deviceRequest(t), nil)
		require.NoError(t, err)

		require.Equal(t, models.StatusPendingIssuance, cert.Status)
		require.Equal(t, "CN=dev1,O=Acme", cert.SubjectDN)
		require.Equal(t, "CN=Hybrid Root,O=Acme", cert.IssuerDN)
		require.False(t, cert.IsHybrid())

		parsed, err := pki.ParseCertificatePEM(cert.PEM)
		require.NoError(t, err)
		a, err := f.svc.Authority(ctx, "root")
		require.NoError(t, err)
		require.NoError(t, parsed.CheckSignatureFrom(a.Certificate()))
		require.Equal(t, []string{"https://crl.example.com/root/ca.crl"}, parsed.CRLDistributionPoints)
		require.Contains(t, parsed.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	})

	t.Run("hybrid certificate fetches the alternate key", func(t *testing.T) {
		f := newFixture(t, true)
		pqPub, _, err := mldsa65.GenerateKey(rand.Reader)
		require.NoError(t, err)

		rc := &hybrid.RequestContext{
			Enabled:               true,
			PQCSignaturePublicKey: pqPub,
			AltSignatureAlgorithm: models.SignatureMLDSA,
			AltSignatureRequired:  true,
		}
		cert, err := f.svc.Issue(ctx, "root", deviceRequest(t), rc)
		require.NoError(t, err)
		require.True(t, cert.IsHybrid())
		require.NotEmpty(t, cert.Hybrid.PQCSignaturePublicKeyPEM)
		require.Equal(t, models.SignatureMLDSA, cert.Hybrid.AltSignatureAlgorithm)
		require.Nil(t, rc.AltSigner, "caller context must not be mutated")

		parsed, err := pki.ParseCertificatePEM(cert.PEM)
		require.NoError(t, err)
		altPEM, err := f.svc.AltPublicKeyPEM(ctx, "root")
		require.NoError(t, err)
		altPub, err := hybrid.ParsePublicKeyPEM(altPEM)
		require.NoError(t, err)
		require.NoError(t, hybrid.VerifyAltSignature(parsed, altPub))
	})

	t.Run("alternate algorithm defaults to the primary", func(t *testing.T) {
		f := newFixture(t, false)
		pqPub, _, err := mldsa65.GenerateKey(rand.Reader)
		require.NoError(t, err)

		rc := &hybrid.RequestContext{Enabled: true, PQCSignaturePublicKey: pqPub, AltSignatureRequired: true}
		cert, err := f.svc.Issue(ctx, "root", deviceRequest(t), rc)
		require.NoError(t, err)
		require.Equal(t, models.SignatureECDSAP256, cert.Hybrid.AltSignatureAlgorithm)
	})

	t.Run("other algorithm is unavailable", func(t *testing.T) {
		f := newFixture(t, false)
		req := deviceRequest(t)
		req.SignatureAlgorithm = models.SignatureRSA2048
		_, err := f.svc.Issue(ctx, "root", req, nil)
		require.ErrorIs(t, err, models.ErrKeyUnavailable)
	})

	t.Run("disabled authority", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.svc.SetEnabled(ctx, "root", false))
		_, err := f.svc.Issue(ctx, "root", deviceRequest(t), nil)
		require.ErrorIs(t, err, models.ErrKeyUnavailable)

		ca, err := f.store.GetByName(ctx, "root")
		require.NoError(t, err)
		require.False(t, ca.Enabled)
	})

	t.Run("unknown authority", func(t *testing.T) {
		f := newFixture(t, false)
		_, err := f.svc.Issue(ctx, "missing", deviceRequest(t), nil)
		require.ErrorIs(t, err, models.ErrAuthorityNotFound)
	})
}

func TestService_ConcurrentSerials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := deviceRequest(t)

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		serials = make(map[string]struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := f.svc.Issue(ctx, "root", req, nil)
			require.NoError(t, err)
			mu.Lock()
			serials[cert.SerialNumber] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, serials, n)

	ca, err := f.store.GetByName(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, uint64(n+1), ca.NextSerial)

	t.Run("sequence survives a restart", func(t *testing.T) {
		restarted := NewService(f.store, f.keys, Options{})
		cert, err := restarted.Issue(ctx, "root", req, nil)
		require.NoError(t, err)
		_, dup := serials[cert.SerialNumber]
		require.False(t, dup)

		ca, err := f.store.GetByName(ctx, "root")
		require.NoError(t, err)
		require.Equal(t, uint64(n+2), ca.NextSerial)
	})
}

func TestService_GenerateCRL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	cert, err := f.svc.Issue(ctx, "root", deviceRequest(t), nil)
	require.NoError(t, err)

	entry := models.RevokedEntry{SerialNumber: cert.SerialNumber, RevokedAt: time.Now(), Reason: models.ReasonKeyCompromise}

	first, evts, err := f.svc.GenerateCRL(ctx, "root", []models.RevokedEntry{entry})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Number)
	require.Equal(t, "https://crl.example.com/root/crl-1.crl", first.URL)
	require.Equal(t, DefaultCRLValidity, first.NextUpdate.Sub(first.ThisUpdate))
	require.Len(t, evts, 1)

	issued, ok := evts[0].(events.CRLIssued)
	require.True(t, ok)
	require.Equal(t, int64(1), issued.CRLNumber)
	require.Equal(t, 1, issued.RevokedCount)

	n, err := pki.CRLNumber(first.DER)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rl, err := x509.ParseRevocationList(first.DER)
	require.NoError(t, err)
	require.Len(t, rl.RevokedCertificateEntries, 1)
	require.Equal(t, cert.SerialNumber, pki.FormatSerial(rl.RevokedCertificateEntries[0].SerialNumber))

	second, _, err := f.svc.GenerateCRL(ctx, "root", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Number)

	ca, err := f.store.GetByName(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, int64(3), ca.NextCRLNumber)

	t.Run("each CA publishes under its own name", func(t *testing.T) {
		_, err := f.svc.Create(ctx, CreateRequest{Name: "sub", SubjectDN: "CN=Sub,O=Acme", SignatureAlgorithm: models.SignatureECDSAP256})
		require.NoError(t, err)

		crl, _, err := f.svc.GenerateCRL(ctx, "sub", nil)
		require.NoError(t, err)
		require.Equal(t, int64(1), crl.Number)
		require.Equal(t, "https://crl.example.com/sub/crl-1.crl", crl.URL)

		cert, err := f.svc.Issue(ctx, "sub", deviceRequest(t), nil)
		require.NoError(t, err)
		parsed, err := pki.ParseCertificatePEM(cert.PEM)
		require.NoError(t, err)
		require.Equal(t, []string{"https://crl.example.com/sub/ca.crl"}, parsed.CRLDistributionPoints)
	})
}

func TestService_SharedStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	// a second process sharing the same authority store and keys
	other := NewService(f.store, f.keys, Options{CRLBaseURL: "https://crl.example.com"})

	t.Run("CRL numbers are never reused", func(t *testing.T) {
		a1, _, err := f.svc.GenerateCRL(ctx, "root", nil)
		require.NoError(t, err)
		b1, _, err := other.GenerateCRL(ctx, "root", nil)
		require.NoError(t, err)
		a2, _, err := f.svc.GenerateCRL(ctx, "root", nil)
		require.NoError(t, err)

		require.Equal(t, []int64{1, 2, 3}, []int64{a1.Number, b1.Number, a2.Number})
		require.NotEqual(t, a2.URL, b1.URL)
	})

	t.Run("serials are never reused", func(t *testing.T) {
		req := deviceRequest(t)
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			seq = make(map[uint64]struct{})
		)
		for _, svc := range []*Service{f.svc, other, f.svc, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					cert, err := svc.Issue(ctx, "root", req, nil)
					require.NoError(t, err)
					parsed, err := pki.ParseCertificatePEM(cert.PEM)
					require.NoError(t, err)
					mu.Lock()
					seq[parsed.SerialNumber.Uint64()] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Len(t, seq, 40)
	})

	t.Run("disable in one process is seen by the other", func(t *testing.T) {
		require.NoError(t, other.SetEnabled(ctx, "root", false))
		_, err := f.svc.Issue(ctx, "root", deviceRequest(t), nil)
		require.ErrorIs(t, err, models.ErrKeyUnavailable)
		require.NoError(t, other.SetEnabled(ctx, "root", true))
	})
}
