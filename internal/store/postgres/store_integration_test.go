//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
	"golang.org/x/sync/errgroup"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*Stores, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	stores, err := Open(ctx, &Config{
		Pool:        PoolConfig{ConnString: connString},
		AutoMigrate: true,
	})
	require.NoError(t, err)

	cleanup := func() {
		stores.Close()
		_ = container.Terminate(ctx)
	}
	return stores, cleanup
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newAuthority(t *testing.T, name string) *models.CertificateAuthority {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	ts := now()
	return &models.CertificateAuthority{
		ID:                 id,
		Name:               name,
		SubjectDN:          "CN=" + name,
		CertificatePEM:     "-----BEGIN CERTIFICATE-----",
		CertificateSerial:  "01",
		SignatureAlgorithm: models.SignatureECDSAP256,
		NotBefore:          ts,
		NotAfter:           ts.Add(24 * time.Hour),
		NextSerial:         1,
		NextCRLNumber:      1,
		Enabled:            true,
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
}

func TestIntegration_Stores(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	ca := newAuthority(t, "root")
	require.NoError(t, stores.Authorities.Create(ctx, ca))

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, runMigrations(ctx, stores.Pool))
	})

	t.Run("authority counters are allocated in the database", func(t *testing.T) {
		require.ErrorIs(t, stores.Authorities.Create(ctx, newAuthority(t, "root")), store.ErrAlreadyExists)

		const workers, perWorker = 8, 25
		var (
			mu   sync.Mutex
			seen = make(map[int64]bool)
		)
		g, gctx := errgroup.WithContext(ctx)
		for range workers {
			g.Go(func() error {
				for range perWorker {
					n, err := stores.Authorities.AllocateCRLNumber(gctx, ca.ID)
					if err != nil {
						return err
					}
					mu.Lock()
					seen[n] = true
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Len(t, seen, workers*perWorker)

		serial, err := stores.Authorities.AllocateSerial(ctx, ca.ID)
		require.NoError(t, err)
		require.Equal(t, uint64(1), serial)

		// Save never rewinds counters even from a stale read
		stale := ca.Clone()
		stale.Enabled = false
		require.NoError(t, stores.Authorities.Save(ctx, stale))

		got, err := stores.Authorities.GetByName(ctx, "root")
		require.NoError(t, err)
		require.False(t, got.Enabled)
		require.Equal(t, uint64(2), got.NextSerial)
		require.Equal(t, int64(workers*perWorker+1), got.NextCRLNumber)

		_, err = stores.Authorities.Get(ctx, uuid.New())
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = stores.Authorities.AllocateSerial(ctx, uuid.New())
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("certificate round trip with hybrid and revocation fields", func(t *testing.T) {
		ts := now()
		cert := &models.Certificate{
			SerialNumber:       "abc1",
			CAID:               ca.ID,
			Type:               models.CertificateTypeDevice,
			SubjectDN:          "CN=dev1,O=Acme",
			IssuerDN:           ca.SubjectDN,
			Status:             models.StatusActive,
			NotBefore:          ts,
			NotAfter:           ts.Add(time.Hour),
			SignatureAlgorithm: models.SignatureECDSAP256,
			ApplicantID:        "user-1",
			PEM:                "pem",
			Hybrid: &models.HybridFields{
				PQCSignaturePublicKeyPEM: "pq",
				AltSignatureAlgorithm:    models.SignatureMLDSA,
				MerkleRoot:               []byte{1, 2, 3},
			},
			Notification: models.DefaultNotificationPolicy(),
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		require.NoError(t, stores.Certificates.Create(ctx, cert))
		require.ErrorIs(t, stores.Certificates.Create(ctx, cert), store.ErrAlreadyExists)

		renewal := cert.Clone()
		renewal.Status = models.StatusRenewalDue

		cert.Status = models.StatusRevoked
		cert.Revocation = &models.RevocationInfo{RevokedAt: ts, Reason: models.ReasonKeyCompromise, Operator: "ops"}
		require.NoError(t, stores.Certificates.Save(ctx, cert, models.StatusActive))

		// a second writer that also read ACTIVE loses
		require.ErrorIs(t, stores.Certificates.Save(ctx, renewal, models.StatusActive), store.ErrConflict)

		missing := cert.Clone()
		missing.SerialNumber = "ffff"
		require.ErrorIs(t, stores.Certificates.Save(ctx, missing, models.StatusActive), store.ErrNotFound)

		got, err := stores.Certificates.Get(ctx, "abc1")
		require.NoError(t, err)
		require.Equal(t, models.StatusRevoked, got.Status)
		require.NotNil(t, got.Hybrid)
		require.Equal(t, []byte{1, 2, 3}, got.Hybrid.MerkleRoot)
		require.Equal(t, models.ReasonKeyCompromise, got.Revocation.Reason)
		require.True(t, got.Revocation.RevokedAt.Equal(ts))

		revoked, err := stores.Certificates.List(ctx, store.ListCertificatesOptions{
			CAID:   ca.ID,
			Status: []models.CertificateStatus{models.StatusRevoked},
		})
		require.NoError(t, err)
		require.Len(t, revoked, 1)

		active, err := stores.Certificates.List(ctx, store.ListCertificatesOptions{
			Status: []models.CertificateStatus{models.StatusActive},
		})
		require.NoError(t, err)
		require.Empty(t, active)

		orphan := cert.Clone()
		orphan.SerialNumber = "abc2"
		orphan.CAID = uuid.New()
		require.ErrorIs(t, stores.Certificates.Create(ctx, orphan), store.ErrNotFound)
	})

	t.Run("enabled policy picks the highest version", func(t *testing.T) {
		base := &models.CertificatePolicy{
			ID:              "device-v1",
			Name:            "device",
			CertificateType: models.CertificateTypeDevice,
			Version:         1,
			Enabled:         true,
			Crypto:          models.CryptographicRule{SignatureAlgorithms: []models.SignatureAlgorithm{models.SignatureECDSAP256}},
			Validity:        models.ValidityPeriodRule{MinDays: 1, MaxDays: 365},
			Subject:         models.SubjectDNRule{RequiredAttributes: []string{"CN"}},
		}
		require.NoError(t, stores.Policies.Create(ctx, base))

		v2 := base.Clone()
		v2.ID = "device-v2"
		v2.Version = 2
		require.NoError(t, stores.Policies.Create(ctx, v2))

		got, err := stores.Policies.GetEnabled(ctx, models.CertificateTypeDevice)
		require.NoError(t, err)
		require.Equal(t, "device-v2", got.ID)
		require.Equal(t, []models.SignatureAlgorithm{models.SignatureECDSAP256}, got.Crypto.SignatureAlgorithms)

		v2.Enabled = false
		require.NoError(t, stores.Policies.Save(ctx, v2))
		got, err = stores.Policies.GetEnabled(ctx, models.CertificateTypeDevice)
		require.NoError(t, err)
		require.Equal(t, "device-v1", got.ID)

		_, err = stores.Policies.GetEnabled(ctx, models.CertificateTypePlatform)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("revocation snapshots are kept per CA", func(t *testing.T) {
		snaps, err := stores.Revocations.List(ctx)
		require.NoError(t, err)
		require.Empty(t, snaps)

		sub := newAuthority(t, "sub")
		require.NoError(t, stores.Authorities.Create(ctx, sub))

		ts := now()
		first := &store.RevocationSnapshot{
			CAID:      ca.ID,
			CAName:    ca.Name,
			Metadata:  models.CRLMetadata{Number: 1, IssuerDN: ca.SubjectDN, ThisUpdate: ts, NextUpdate: ts.Add(time.Hour)},
			Entries:   []models.RevokedEntry{{SerialNumber: "aa", RevokedAt: ts, Reason: models.ReasonSuperseded}},
			UpdatedAt: ts,
		}
		require.NoError(t, stores.Revocations.Save(ctx, first))

		second := *first
		second.Metadata.Number = 2
		second.Entries = []models.RevokedEntry{
			{SerialNumber: "bb", RevokedAt: ts, Reason: models.ReasonKeyCompromise},
			{SerialNumber: "cc", RevokedAt: ts},
		}
		require.NoError(t, stores.Revocations.Save(ctx, &second))

		other := &store.RevocationSnapshot{
			CAID:      sub.ID,
			CAName:    sub.Name,
			Metadata:  models.CRLMetadata{Number: 1, IssuerDN: sub.SubjectDN, ThisUpdate: ts, NextUpdate: ts.Add(time.Hour)},
			Entries:   []models.RevokedEntry{{SerialNumber: "dd", RevokedAt: ts}},
			UpdatedAt: ts,
		}
		require.NoError(t, stores.Revocations.Save(ctx, other))

		snaps, err = stores.Revocations.List(ctx)
		require.NoError(t, err)
		require.Len(t, snaps, 2)

		got := snaps[0]
		require.Equal(t, "root", got.CAName)
		require.Equal(t, int64(2), got.Metadata.Number)
		require.Len(t, got.Entries, 2)
		require.Equal(t, "bb", got.Entries[0].SerialNumber)
		require.Equal(t, models.ReasonKeyCompromise, got.Entries[0].Reason)

		require.Equal(t, "sub", snaps[1].CAName)
		require.Equal(t, "dd", snaps[1].Entries[0].SerialNumber)

		var count int
		require.NoError(t, stores.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM revocation_snapshots`).Scan(&count))
		require.Equal(t, 2, count)
	})

	t.Run("audit records query in append order", func(t *testing.T) {
		for i, op := range []string{"alice", "bob", "alice"} {
			require.NoError(t, stores.Audit.Append(ctx, &store.AuditRecord{
				ID:          uuid.New(),
				EventID:     uuid.New(),
				EventType:   "CertificateRevoked",
				Operation:   "revoke",
				Operator:    op,
				Payload:     fmt.Sprintf(`{"n":%d}`, i),
				PayloadHash: "hash",
				OccurredAt:  now(),
				RecordedAt:  now(),
			}))
		}

		recs, err := stores.Audit.Query(ctx, store.AuditQuery{Operator: "alice"})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, `{"n":0}`, recs[0].Payload)
		require.Equal(t, `{"n":2}`, recs[1].Payload)

		got, err := stores.Audit.Get(ctx, recs[1].ID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Operator)
	})

	t.Run("auth request upsert", func(t *testing.T) {
		req := &models.AuthenticationRequest{
			ID:          uuid.New(),
			ApplicantID: "user-1",
			Status:      models.AuthPendingValidation,
			CreatedAt:   now(),
		}
		require.NoError(t, stores.AuthRequests.Save(ctx, req))

		done := now()
		req.Status = models.AuthValidationFailed
		req.FailureReason = "bad signature"
		req.CompletedAt = &done
		require.NoError(t, stores.AuthRequests.Save(ctx, req))

		got, err := stores.AuthRequests.Get(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, models.AuthValidationFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
	})
}
