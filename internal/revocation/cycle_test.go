package revocation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/lifecycle"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/storage"
	"github.com/wolfeidau/hybridca/internal/store/memory"
)

const crlBase = "https://crl.example.com"

type cycleFixture struct {
	cycle     *Cycle
	cache     *Cache
	certs     *lifecycle.Manager
	cas       *authority.Service
	objects   *storage.MemoryStorage
	snapshots *memory.RevocationSnapshotStore
	recorder  *events.Recorder
}

func newCycleFixture(t *testing.T, objects storage.ObjectStorage) *cycleFixture {
	t.Helper()
	ctx := context.Background()

	f := &cycleFixture{
		cache:     NewCache(FailOpen),
		objects:   storage.NewMemoryStorage(crlBase),
		snapshots: memory.NewRevocationSnapshotStore(),
		recorder:  events.NewRecorder(),
	}
	if objects == nil {
		objects = f.objects
	}
	f.certs = lifecycle.NewManager(memory.NewCertificateStore(), f.recorder)
	f.cas = authority.NewService(memory.NewAuthorityStore(), pki.NewKeyRing(), authority.Options{CRLBaseURL: crlBase})
	_, err := f.cas.Create(ctx, authority.CreateRequest{
		Name:               "root",
		SubjectDN:          "CN=Hybrid Root,O=Acme",
		SignatureAlgorithm: models.SignatureECDSAP256,
	})
	require.NoError(t, err)

	f.cycle = NewCycle(f.certs, f.cas, objects, f.cache, f.snapshots, f.recorder, CycleConfig{
		UploadAttempts:        3,
		UploadInitialInterval: time.Millisecond,
		UploadMaxInterval:     5 * time.Millisecond,
	})
	return f
}

func (f *cycleFixture) addCA(t *testing.T, name string) {
	t.Helper()
	_, err := f.cas.Create(context.Background(), authority.CreateRequest{
		Name:               name,
		SubjectDN:          "CN=" + name + ",O=Acme",
		SignatureAlgorithm: models.SignatureECDSAP256,
	})
	require.NoError(t, err)
}

func (f *cycleFixture) issue(t *testing.T) string {
	t.Helper()
	return f.issueFrom(t, "root")
}

func (f *cycleFixture) issueFrom(t *testing.T, caName string) string {
	t.Helper()
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	cert, err := f.cas.Issue(ctx, caName, authority.IssueRequest{
		SubjectDN:       "CN=dev,O=Acme",
		PublicKey:       &key.PublicKey,
		NotBefore:       now,
		NotAfter:        now.Add(30 * 24 * time.Hour),
		CertificateType: models.CertificateTypeDevice,
		ApplicantID:     "user-1",
	}, nil)
	require.NoError(t, err)
	_, err = f.certs.Register(ctx, cert)
	require.NoError(t, err)
	return cert.SerialNumber
}

func (f *cycleFixture) revoke(t *testing.T, serial string) {
	t.Helper()
	_, err := f.certs.Revoke(context.Background(), serial, models.ReasonKeyCompromise, "admin", "")
	require.NoError(t, err)
}

func TestCycle_Run(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t, nil)

	first := f.issue(t)
	second := f.issue(t)
	f.revoke(t, first)

	crl, err := f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, int64(1), crl.Number)
	require.Equal(t, crlBase+"/root/crl-1.crl", crl.URL)
	require.True(t, f.cache.IsRevoked(ctx, first))
	require.False(t, f.cache.IsRevoked(ctx, second))

	published, err := f.objects.Download(ctx, crl.URL)
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(published))
	require.NotNil(t, block)
	parsed, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, parsed.RevokedCertificateEntries, 1)

	f.revoke(t, second)
	crl, err = f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, int64(2), crl.Number)
	require.True(t, f.cache.IsRevoked(ctx, first))
	require.True(t, f.cache.IsRevoked(ctx, second))
	require.Equal(t, 2, f.cache.RevokedCount())

	require.Len(t, f.recorder.OfType(events.TypeCRLIssued), 2)

	restored := NewCache(FailClosed)
	require.NoError(t, restored.Restore(ctx, f.snapshots))
	m, ok := restored.MetadataByName("root")
	require.True(t, ok)
	require.Equal(t, int64(2), m.Number)
	require.True(t, restored.IsRevoked(ctx, second))
}

type failingStorage struct {
	storage.ObjectStorage
	attempts atomic.Int32
}

func (s *failingStorage) Upload(context.Context, string, int64, string) (string, error) {
	s.attempts.Add(1)
	return "", errors.New("bucket unavailable")
}

func TestCycle_UploadFailure(t *testing.T) {
	ctx := context.Background()
	objects := &failingStorage{}
	f := newCycleFixture(t, objects)

	serial := f.issue(t)
	f.revoke(t, serial)

	crl, err := f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, int32(3), objects.attempts.Load())
	require.Equal(t, crlBase+"/root/crl-1.crl", crl.URL)
	require.True(t, f.cache.IsRevoked(ctx, serial))

	crl, err = f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, int64(2), crl.Number)
}

func TestCycle_RunIfDue(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t, nil)

	ran, err := f.cycle.RunIfDue(ctx, "root")
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = f.cycle.RunIfDue(ctx, "root")
	require.NoError(t, err)
	require.False(t, ran)

	_, err = f.cycle.Run(ctx, "missing")
	require.ErrorIs(t, err, models.ErrAuthorityNotFound)
	_, err = f.cycle.RunIfDue(ctx, "missing")
	require.ErrorIs(t, err, models.ErrAuthorityNotFound)

	t.Run("freshness is judged per CA", func(t *testing.T) {
		f.addCA(t, "sub")

		ran, err := f.cycle.RunIfDue(ctx, "sub")
		require.NoError(t, err)
		require.True(t, ran, "a fresh root CRL must not hide a missing sub CRL")

		ran, err = f.cycle.RunIfDue(ctx, "sub")
		require.NoError(t, err)
		require.False(t, ran)
	})
}

func TestCycle_MultipleCAs(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t, nil)
	f.addCA(t, "sub")

	rootSerial := f.issueFrom(t, "root")
	subSerial := f.issueFrom(t, "sub")
	f.revoke(t, rootSerial)
	f.revoke(t, subSerial)

	rootCRL, err := f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	subCRL, err := f.cycle.Run(ctx, "sub")
	require.NoError(t, err)

	t.Run("CRLs publish under each CA", func(t *testing.T) {
		require.Equal(t, int64(1), rootCRL.Number)
		require.Equal(t, int64(1), subCRL.Number)
		require.Equal(t, crlBase+"/root/crl-1.crl", rootCRL.URL)
		require.Equal(t, crlBase+"/sub/crl-1.crl", subCRL.URL)

		rootPEM, err := f.objects.Download(ctx, crlBase+"/root/ca.crl")
		require.NoError(t, err)
		require.Equal(t, rootCRL.PEM, rootPEM)
		subPEM, err := f.objects.Download(ctx, crlBase+"/sub/ca.crl")
		require.NoError(t, err)
		require.Equal(t, subCRL.PEM, subPEM)
	})

	t.Run("one CA's cycle keeps the other's revocations", func(t *testing.T) {
		require.True(t, f.cache.IsRevoked(ctx, rootSerial))
		require.True(t, f.cache.IsRevoked(ctx, subSerial))

		_, err := f.cycle.Run(ctx, "sub")
		require.NoError(t, err)
		require.True(t, f.cache.IsRevoked(ctx, rootSerial))
	})

	t.Run("restore brings back every CA", func(t *testing.T) {
		restored := NewCache(FailOpen)
		require.NoError(t, restored.Restore(ctx, f.snapshots))
		require.True(t, restored.IsRevoked(ctx, rootSerial))
		require.True(t, restored.IsRevoked(ctx, subSerial))
	})
}

func TestCycle_EventCarriesPublishedURL(t *testing.T) {
	ctx := context.Background()
	cdn := storage.NewMemoryStorage("https://cdn.example.com/pki")
	f := newCycleFixture(t, cdn)

	crl, err := f.cycle.Run(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/pki/root/crl-1.crl", crl.URL)

	issued := f.recorder.OfType(events.TypeCRLIssued)
	require.Len(t, issued, 1)
	evt, ok := issued[0].(events.CRLIssued)
	require.True(t, ok)
	require.Equal(t, crl.URL, evt.URL)

	m, ok := f.cache.MetadataByName("root")
	require.True(t, ok)
	require.Equal(t, crl.URL, m.URL)
}
