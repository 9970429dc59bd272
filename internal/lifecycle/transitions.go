package lifecycle

import (
	"time"

	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/models"
)

// Activate moves a freshly signed certificate from PENDING_ISSUANCE to ACTIVE
// and emits CertificateIssued.
func Activate(cert *models.Certificate, now time.Time) ([]events.Event, error) {
	if cert.Status != models.StatusPendingIssuance {
		return nil, models.InvalidTransition("activate", cert.Status, cert.SerialNumber)
	}
	cert.Status = models.StatusActive
	cert.UpdatedAt = now
	return []events.Event{events.NewCertificateIssued(now, cert)}, nil
}

// Revoke moves an ACTIVE certificate to REVOKED and records who did it.
func Revoke(cert *models.Certificate, reason models.RevocationReason, operator, comments string, now time.Time) ([]events.Event, error) {
	if cert.Status != models.StatusActive {
		return nil, models.InvalidTransition("revoke", cert.Status, cert.SerialNumber)
	}
	cert.Status = models.StatusRevoked
	cert.Revocation = &models.RevocationInfo{
		RevokedAt: now,
		Reason:    reason,
		Operator:  operator,
		Comments:  comments,
	}
	cert.UpdatedAt = now
	return []events.Event{events.NewCertificateRevoked(now, cert.SerialNumber, reason, operator)}, nil
}

// Expire moves an ACTIVE certificate to EXPIRED. It is driven by the expiry
// scan, never by users.
func Expire(cert *models.Certificate, now time.Time) ([]events.Event, error) {
	if cert.Status != models.StatusActive {
		return nil, models.InvalidTransition("expire", cert.Status, cert.SerialNumber)
	}
	cert.Status = models.StatusExpired
	cert.UpdatedAt = now
	return nil, nil
}

// MarkForRenewal moves an ACTIVE certificate to RENEWAL_DUE.
func MarkForRenewal(cert *models.Certificate, now time.Time) ([]events.Event, error) {
	if cert.Status != models.StatusActive {
		return nil, models.InvalidTransition("mark for renewal", cert.Status, cert.SerialNumber)
	}
	cert.Status = models.StatusRenewalDue
	cert.UpdatedAt = now
	return nil, nil
}

// RenewalNotice returns a RenewalNoticeDue event when the certificate is inside
// its notification window. It does not change state.
func RenewalNotice(cert *models.Certificate, now time.Time) []events.Event {
	if !cert.NeedsRenewalNotice(now) {
		return nil
	}
	return []events.Event{events.NewRenewalNoticeDue(now, cert)}
}
