package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const lockStripes = 64

// RevokeOutcome is the per-serial result of a batch revocation.
type RevokeOutcome struct {
	SerialNumber string
	Revoked      bool
	Err          error
}

// Manager applies lifecycle transitions to stored certificates. Transitions on
// the same serial number are serialized.
type Manager struct {
	certs     store.CertificateStore
	publisher events.Publisher
	now       func() time.Time
	locks     [lockStripes]sync.Mutex

	// BatchConcurrency bounds parallel work in BatchRevoke.
	BatchConcurrency int
}

// NewManager creates a lifecycle manager.
func NewManager(certs store.CertificateStore, publisher events.Publisher) *Manager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Manager{
		certs:            certs,
		publisher:        publisher,
		now:              time.Now,
		BatchConcurrency: 8,
	}
}

func (m *Manager) lock(serial string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serial))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

type transition func(cert *models.Certificate, now time.Time) ([]events.Event, error)

// apply loads, transitions, saves and publishes under the serial's lock. The
// lock only orders callers in this process; the save is conditional on the
// status read here, so a transition applied meanwhile by another process
// fails with InvalidStateTransition instead of being overwritten.
func (m *Manager) apply(ctx context.Context, serial string, fn transition) (*models.Certificate, error) {
	unlock := m.lock(serial)
	defer unlock()

	cert, err := m.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	prev := cert.Status

	evts, err := fn(cert, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.certs.Save(ctx, cert, prev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, models.NewError("transition", models.KindInvalidStateTransition, err)
		}
		return nil, fmt.Errorf("failed to save certificate %s: %w", serial, err)
	}

	m.publisher.Publish(ctx, evts...)
	return cert, nil
}

// Get returns a certificate, mapping a store miss to CertificateNotFound.
func (m *Manager) Get(ctx context.Context, serial string) (*models.Certificate, error) {
	cert, err := m.certs.Get(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("certificate", models.KindCertificateNotFound,
				fmt.Errorf("serial %s", serial))
		}
		return nil, fmt.Errorf("failed to load certificate %s: %w", serial, err)
	}
	return cert, nil
}

// Activate activates a PENDING_ISSUANCE certificate.
func (m *Manager) Activate(ctx context.Context, serial string) (*models.Certificate, error) {
	return m.apply(ctx, serial, Activate)
}

// Register activates a freshly signed certificate and stores it in one write,
// so a certificate that fails activation is never persisted.
func (m *Manager) Register(ctx context.Context, cert *models.Certificate) (*models.Certificate, error) {
	unlock := m.lock(cert.SerialNumber)
	defer unlock()

	evts, err := Activate(cert, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.certs.Create(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to store certificate %s: %w", cert.SerialNumber, err)
	}

	m.publisher.Publish(ctx, evts...)
	return cert, nil
}

// Revoke revokes an ACTIVE certificate.
func (m *Manager) Revoke(ctx context.Context, serial string, reason models.RevocationReason, operator, comments string) (*models.Certificate, error) {
	cert, err := m.apply(ctx, serial, func(c *models.Certificate, now time.Time) ([]events.Event, error) {
		return Revoke(c, reason, operator, comments, now)
	})
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().CertificatesRevokedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason.String()),
	))
	log.Info().
		Str("serial_number", serial).
		Str("reason", reason.String()).
		Str("operator", operator).
		Msg("Certificate revoked")
	return cert, nil
}

// BatchRevoke revokes every serial independently. One failure never stops the
// others; the outcome of each serial is returned in input order.
func (m *Manager) BatchRevoke(ctx context.Context, serials []string, reason models.RevocationReason, operator, comments string) []RevokeOutcome {
	outcomes := make([]RevokeOutcome, len(serials))

	g := new(errgroup.Group)
	if m.BatchConcurrency > 0 {
		g.SetLimit(m.BatchConcurrency)
	}
	for i, serial := range serials {
		g.Go(func() error {
			_, err := m.Revoke(ctx, serial, reason, operator, comments)
			outcomes[i] = RevokeOutcome{SerialNumber: serial, Revoked: err == nil, Err: err}
			if err != nil {
				log.Warn().Err(err).Str("serial_number", serial).Msg("Batch revocation item failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// MarkForRenewal moves an ACTIVE certificate to RENEWAL_DUE.
func (m *Manager) MarkForRenewal(ctx context.Context, serial string) (*models.Certificate, error) {
	return m.apply(ctx, serial, MarkForRenewal)
}

// ExpireDue expires every ACTIVE certificate whose validity has ended and
// returns the serials it moved.
func (m *Manager) ExpireDue(ctx context.Context) ([]string, error) {
	now := m.now()
	due, err := m.certs.List(ctx, store.ListCertificatesOptions{
		Status:        []models.CertificateStatus{models.StatusActive},
		ExpiresBefore: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring certificates: %w", err)
	}

	var expired []string
	for _, cert := range due {
		_, err := m.apply(ctx, cert.SerialNumber, Expire)
		if err != nil {
			// a concurrent revoke won the race
			if errors.Is(err, models.ErrInvalidStateTransition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, cert.SerialNumber)
	}

	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("Expired certificates")
	}
	return expired, nil
}

// ScanRenewalNotices publishes RenewalNoticeDue for every ACTIVE certificate
// inside its notification window and returns those certificates.
func (m *Manager) ScanRenewalNotices(ctx context.Context) ([]*models.Certificate, error) {
	now := m.now()
	active, err := m.certs.List(ctx, store.ListCertificatesOptions{
		Status: []models.CertificateStatus{models.StatusActive},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active certificates: %w", err)
	}

	var due []*models.Certificate
	for _, cert := range active {
		evts := RenewalNotice(cert, now)
		if len(evts) == 0 {
			continue
		}
		m.publisher.Publish(ctx, evts...)
		due = append(due, cert)
	}
	return due, nil
}

// Validate reports whether the certificate exists, is ACTIVE and unexpired.
func (m *Manager) Validate(ctx context.Context, serial string) (bool, error) {
	cert, err := m.Get(ctx, serial)
	if err != nil {
		if models.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return cert.IsValid(m.now()), nil
}

// ListByApplicant returns an applicant's certificates.
func (m *Manager) ListByApplicant(ctx context.Context, applicantID string) ([]*models.Certificate, error) {
	return m.certs.List(ctx, store.ListCertificatesOptions{ApplicantID: applicantID})
}

// ListRevoked returns the revoked certificates of a CA as CRL entries.
func (m *Manager) ListRevoked(ctx context.Context, opts store.ListCertificatesOptions) ([]models.RevokedEntry, error) {
	opts.Status = []models.CertificateStatus{models.StatusRevoked}
	certs, err := m.certs.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list revoked certificates: %w", err)
	}
	entries := make([]models.RevokedEntry, 0, len(certs))
	for _, cert := range certs {
		if entry, ok := cert.RevokedEntry(); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
