package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

func newTestCert(serial, applicant string, status models.CertificateStatus, createdAt time.Time) *models.Certificate {
	return &models.Certificate{
		SerialNumber: serial,
		CAID:         uuid.MustParse("0190f5a4-0000-7000-8000-000000000001"),
		Type:         models.CertificateTypeDevice,
		SubjectDN:    "CN=" + serial + ",O=Acme",
		Status:       status,
		NotBefore:    createdAt,
		NotAfter:     createdAt.Add(30 * 24 * time.Hour),
		ApplicantID:  applicant,
		CreatedAt:    createdAt,
	}
}

func TestNewCertificateStore(t *testing.T) {
	st := NewCertificateStore()
	require.NotNil(t, st)
}

func TestCertificateStore_Create(t *testing.T) {
	t.Run("create new certificate", func(t *testing.T) {
		st := NewCertificateStore()
		ctx := context.Background()

		err := st.Create(ctx, newTestCert("0a", "user-1", models.StatusPendingIssuance, time.Now()))
		require.NoError(t, err)
	})

	t.Run("create duplicate certificate returns error", func(t *testing.T) {
		st := NewCertificateStore()
		ctx := context.Background()

		cert := newTestCert("0a", "user-1", models.StatusPendingIssuance, time.Now())
		require.NoError(t, st.Create(ctx, cert))

		err := st.Create(ctx, cert)
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})
}

func TestCertificateStore_Get(t *testing.T) {
	t.Run("get existing certificate", func(t *testing.T) {
		st := NewCertificateStore()
		ctx := context.Background()

		require.NoError(t, st.Create(ctx, newTestCert("0b", "user-1", models.StatusActive, time.Now())))

		got, err := st.Get(ctx, "0b")
		require.NoError(t, err)
		require.Equal(t, "CN=0b,O=Acme", got.SubjectDN)
	})

	t.Run("get missing certificate returns not found", func(t *testing.T) {
		st := NewCertificateStore()

		_, err := st.Get(context.Background(), "ff")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("returned copy is isolated", func(t *testing.T) {
		st := NewCertificateStore()
		ctx := context.Background()

		require.NoError(t, st.Create(ctx, newTestCert("0c", "user-1", models.StatusActive, time.Now())))

		got, err := st.Get(ctx, "0c")
		require.NoError(t, err)
		got.Status = models.StatusRevoked

		again, err := st.Get(ctx, "0c")
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, again.Status)
	})
}

func TestCertificateStore_Save(t *testing.T) {
	st := NewCertificateStore()
	ctx := context.Background()

	cert := newTestCert("0d", "user-2", models.StatusPendingIssuance, time.Now())
	require.NoError(t, st.Create(ctx, cert))

	cert.Status = models.StatusActive
	require.NoError(t, st.Save(ctx, cert, models.StatusPendingIssuance))

	byApplicant, err := st.List(ctx, store.ListCertificatesOptions{ApplicantID: "user-2"})
	require.NoError(t, err)
	require.Len(t, byApplicant, 1)
	require.Equal(t, models.StatusActive, byApplicant[0].Status)

	t.Run("stale status is a conflict", func(t *testing.T) {
		stale := cert.Clone()
		stale.Status = models.StatusRenewalDue
		require.NoError(t, st.Save(ctx, stale, models.StatusActive))

		revoked := cert.Clone()
		revoked.Status = models.StatusRevoked
		err := st.Save(ctx, revoked, models.StatusActive)
		require.ErrorIs(t, err, store.ErrConflict)

		got, err := st.Get(ctx, "0d")
		require.NoError(t, err)
		require.Equal(t, models.StatusRenewalDue, got.Status)
	})

	err = st.Save(ctx, newTestCert("ee", "user-2", models.StatusActive, time.Now()), models.StatusActive)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCertificateStore_List(t *testing.T) {
	st := NewCertificateStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, st.Create(ctx, newTestCert("01", "user-1", models.StatusActive, base)))
	require.NoError(t, st.Create(ctx, newTestCert("02", "user-1", models.StatusRevoked, base.Add(time.Second))))
	require.NoError(t, st.Create(ctx, newTestCert("03", "user-2", models.StatusActive, base.Add(2*time.Second))))

	t.Run("all certificates oldest first", func(t *testing.T) {
		certs, err := st.List(ctx, store.ListCertificatesOptions{})
		require.NoError(t, err)
		require.Len(t, certs, 3)
		require.Equal(t, "01", certs[0].SerialNumber)
		require.Equal(t, "03", certs[2].SerialNumber)
	})

	t.Run("filter by status", func(t *testing.T) {
		certs, err := st.List(ctx, store.ListCertificatesOptions{Status: []models.CertificateStatus{models.StatusRevoked}})
		require.NoError(t, err)
		require.Len(t, certs, 1)
		require.Equal(t, "02", certs[0].SerialNumber)
	})

	t.Run("filter by applicant", func(t *testing.T) {
		certs, err := st.List(ctx, store.ListCertificatesOptions{ApplicantID: "user-1"})
		require.NoError(t, err)
		require.Len(t, certs, 2)
	})

	t.Run("limit", func(t *testing.T) {
		certs, err := st.List(ctx, store.ListCertificatesOptions{Limit: 2})
		require.NoError(t, err)
		require.Len(t, certs, 2)
	})

	t.Run("expires before", func(t *testing.T) {
		certs, err := st.List(ctx, store.ListCertificatesOptions{ExpiresBefore: base.Add(30*24*time.Hour + 500*time.Millisecond)})
		require.NoError(t, err)
		require.Len(t, certs, 1)
		require.Equal(t, "01", certs[0].SerialNumber)
	})
}
