package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/store/memory"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newCert(serial string, status models.CertificateStatus, notAfter time.Time) *models.Certificate {
	return &models.Certificate{
		SerialNumber: serial,
		Type:         models.CertificateTypeDevice,
		SubjectDN:    "CN=" + serial + ",O=Acme",
		Status:       status,
		NotBefore:    testNow.Add(-24 * time.Hour),
		NotAfter:     notAfter,
		ApplicantID:  "applicant-1",
		Notification: models.DefaultNotificationPolicy(),
		CreatedAt:    testNow,
	}
}

func TestTransitions(t *testing.T) {
	notAfter := testNow.Add(90 * 24 * time.Hour)

	t.Run("activate only from pending", func(t *testing.T) {
		cert := newCert("01", models.StatusPendingIssuance, notAfter)

		evts, err := Activate(cert, testNow)
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, cert.Status)
		require.Len(t, evts, 1)
		require.IsType(t, events.CertificateIssued{}, evts[0])

		_, err = Activate(cert, testNow)
		require.ErrorIs(t, err, models.ErrInvalidStateTransition)
	})

	t.Run("revoke records info and emits event", func(t *testing.T) {
		cert := newCert("02", models.StatusActive, notAfter)

		evts, err := Revoke(cert, models.ReasonKeyCompromise, "alice", "lost device", testNow)
		require.NoError(t, err)
		require.Equal(t, models.StatusRevoked, cert.Status)
		require.Equal(t, "alice", cert.Revocation.Operator)
		require.Equal(t, testNow, cert.Revocation.RevokedAt)

		revoked, ok := evts[0].(events.CertificateRevoked)
		require.True(t, ok)
		require.Equal(t, models.ReasonKeyCompromise, revoked.Reason)
	})

	t.Run("guards reject non-active states", func(t *testing.T) {
		for _, status := range []models.CertificateStatus{
			models.StatusPendingIssuance,
			models.StatusRevoked,
			models.StatusExpired,
			models.StatusRenewalDue,
		} {
			cert := newCert("03", status, notAfter)

			_, err := Revoke(cert, models.ReasonUnspecified, "op", "", testNow)
			require.ErrorIs(t, err, models.ErrInvalidStateTransition, status)
			_, err = Expire(cert, testNow)
			require.ErrorIs(t, err, models.ErrInvalidStateTransition, status)
			_, err = MarkForRenewal(cert, testNow)
			require.ErrorIs(t, err, models.ErrInvalidStateTransition, status)
			require.Equal(t, status, cert.Status)
		}
	})

	t.Run("mark for renewal", func(t *testing.T) {
		cert := newCert("04", models.StatusActive, notAfter)
		_, err := MarkForRenewal(cert, testNow)
		require.NoError(t, err)
		require.Equal(t, models.StatusRenewalDue, cert.Status)
	})

	t.Run("renewal notice inside threshold", func(t *testing.T) {
		cert := newCert("05", models.StatusActive, testNow.Add(10*24*time.Hour+time.Hour))
		evts := RenewalNotice(cert, testNow)
		require.Len(t, evts, 1)
		require.Equal(t, 10, evts[0].(events.RenewalNoticeDue).DaysUntilExpiry)

		far := newCert("06", models.StatusActive, notAfter)
		require.Empty(t, RenewalNotice(far, testNow))
	})
}

func newManager(t *testing.T, certs ...*models.Certificate) (*Manager, *events.Recorder) {
	t.Helper()
	st := memory.NewCertificateStore()
	for _, c := range certs {
		require.NoError(t, st.Create(context.Background(), c))
	}
	rec := events.NewRecorder()
	m := NewManager(st, rec)
	m.now = func() time.Time { return testNow }
	return m, rec
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown serial", func(t *testing.T) {
		m, _ := newManager(t)
		_, err := m.Revoke(ctx, "ff", models.ReasonSuperseded, "op", "")
		require.ErrorIs(t, err, models.ErrCertificateNotFound)
	})

	t.Run("concurrent revocations of one certificate", func(t *testing.T) {
		m, rec := newManager(t, newCert("0a", models.StatusActive, testNow.Add(time.Hour)))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.Revoke(ctx, "0a", models.ReasonSuperseded, "op", ""); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, successes)
		require.Len(t, rec.OfType(events.TypeCertificateRevoked), 1)
	})
}

// sharedStore holds every Save until both managers have read the
// certificate, so both transitions start from the same status.
type sharedStore struct {
	*memory.CertificateStore
	reads sync.WaitGroup
}

func (s *sharedStore) Get(ctx context.Context, serial string) (*models.Certificate, error) {
	defer s.reads.Done()
	return s.CertificateStore.Get(ctx, serial)
}

func (s *sharedStore) Save(ctx context.Context, cert *models.Certificate, prev models.CertificateStatus) error {
	s.reads.Wait()
	return s.CertificateStore.Save(ctx, cert, prev)
}

func TestManager_TwoProcesses(t *testing.T) {
	ctx := context.Background()
	base := memory.NewCertificateStore()
	require.NoError(t, base.Create(ctx, newCert("0a", models.StatusActive, testNow.Add(90*24*time.Hour))))

	shared := &sharedStore{CertificateStore: base}
	shared.reads.Add(2)

	rec := events.NewRecorder()
	first := NewManager(shared, rec)
	second := NewManager(shared, rec)

	var revokeErr, renewErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, revokeErr = first.Revoke(ctx, "0a", models.ReasonKeyCompromise, "ops", "")
	}()
	go func() {
		defer wg.Done()
		_, renewErr = second.MarkForRenewal(ctx, "0a")
	}()
	wg.Wait()

	// exactly one transition lands, the loser sees a state conflict
	if revokeErr == nil {
		require.ErrorIs(t, renewErr, models.ErrInvalidStateTransition)
	} else {
		require.ErrorIs(t, revokeErr, models.ErrInvalidStateTransition)
		require.NoError(t, renewErr)
	}

	stored, err := base.Get(ctx, "0a")
	require.NoError(t, err)
	if revokeErr == nil {
		require.Equal(t, models.StatusRevoked, stored.Status)
		require.NotNil(t, stored.Revocation)
		require.Len(t, rec.OfType(events.TypeCertificateRevoked), 1)
	} else {
		require.Equal(t, models.StatusRenewalDue, stored.Status)
		require.Nil(t, stored.Revocation)
		require.Empty(t, rec.OfType(events.TypeCertificateRevoked))
	}
}

func TestManager_BatchRevoke(t *testing.T) {
	ctx := context.Background()
	notAfter := testNow.Add(24 * time.Hour)
	m, rec := newManager(t,
		newCert("01", models.StatusActive, notAfter),
		newCert("02", models.StatusRevoked, notAfter),
		newCert("03", models.StatusActive, notAfter),
	)

	outcomes := m.BatchRevoke(ctx, []string{"01", "02", "99", "03"}, models.ReasonCessationOfOperation, "ops", "decommissioned")
	require.Len(t, outcomes, 4)

	require.True(t, outcomes[0].Revoked)
	require.ErrorIs(t, outcomes[1].Err, models.ErrInvalidStateTransition)
	require.ErrorIs(t, outcomes[2].Err, models.ErrCertificateNotFound)
	require.True(t, outcomes[3].Revoked)
	require.Equal(t, "03", outcomes[3].SerialNumber)

	require.Len(t, rec.OfType(events.TypeCertificateRevoked), 2)

	entries, err := m.ListRevoked(ctx, store.ListCertificatesOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestManager_Scans(t *testing.T) {
	ctx := context.Background()
	m, rec := newManager(t,
		newCert("past", models.StatusActive, testNow.Add(-time.Minute)),
		newCert("soon", models.StatusActive, testNow.Add(5*24*time.Hour+time.Hour)),
		newCert("later", models.StatusActive, testNow.Add(200*24*time.Hour)),
		newCert("gone", models.StatusRevoked, testNow.Add(-time.Hour)),
	)

	expired, err := m.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"past"}, expired)

	cert, err := m.Get(ctx, "past")
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, cert.Status)

	due, err := m.ScanRenewalNotices(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "soon", due[0].SerialNumber)
	require.Len(t, rec.OfType(events.TypeRenewalNoticeDue), 1)

	valid, err := m.Validate(ctx, "soon")
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = m.Validate(ctx, "missing")
	require.NoError(t, err)
	require.False(t, valid)

	byApplicant, err := m.ListByApplicant(ctx, "applicant-1")
	require.NoError(t, err)
	require.Len(t, byApplicant, 4)
}

func TestManager_Register(t *testing.T) {
	ctx := context.Background()
	m, rec := newManager(t)

	cert, err := m.Register(ctx, newCert("0a", models.StatusPendingIssuance, testNow.Add(24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, cert.Status)
	require.Len(t, rec.OfType(events.TypeCertificateIssued), 1)

	stored, err := m.Get(ctx, "0a")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, stored.Status)

	_, err = m.Register(ctx, newCert("0b", models.StatusActive, testNow.Add(24*time.Hour)))
	require.ErrorIs(t, err, models.ErrInvalidStateTransition)
	_, err = m.Get(ctx, "0b")
	require.ErrorIs(t, err, models.ErrCertificateNotFound)
}
