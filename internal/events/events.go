package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/models"
)

// Type names an event kind.
type Type string

const (
	TypeCertificateIssued       Type = "CertificateIssued"
	TypeCertificateRevoked      Type = "CertificateRevoked"
	TypeCRLIssued               Type = "CRLIssued"
	TypeRenewalNoticeDue        Type = "RenewalNoticeDue"
	TypeAuthenticationCompleted Type = "AuthenticationCompleted"
)

// Event is one of the five domain event kinds. The interface is sealed; switch
// on the concrete type to read the payload.
type Event interface {
	EventHeader() Header
	isEvent()
}

// Header is shared by every event.
type Header struct {
	ID         uuid.UUID
	Type       Type
	OccurredAt time.Time
}

// EventHeader returns the header.
func (h Header) EventHeader() Header { return h }

func (Header) isEvent() {}

func newHeader(t Type, now time.Time) Header {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Header{ID: id, Type: t, OccurredAt: now}
}

// CertificateIssued is emitted when the CA signs a certificate.
type CertificateIssued struct {
	Header
	SerialNumber    string
	CAID            uuid.UUID
	SubjectDN       string
	CertificateType models.CertificateType
	Hybrid          bool
}

// NewCertificateIssued builds a CertificateIssued event.
func NewCertificateIssued(now time.Time, cert *models.Certificate) CertificateIssued {
	return CertificateIssued{
		Header:          newHeader(TypeCertificateIssued, now),
		SerialNumber:    cert.SerialNumber,
		CAID:            cert.CAID,
		SubjectDN:       cert.SubjectDN,
		CertificateType: cert.Type,
		Hybrid:          cert.IsHybrid(),
	}
}

// CertificateRevoked is emitted when an active certificate is revoked.
type CertificateRevoked struct {
	Header
	SerialNumber string
	Reason       models.RevocationReason
	Operator     string
}

// NewCertificateRevoked builds a CertificateRevoked event.
func NewCertificateRevoked(now time.Time, serial string, reason models.RevocationReason, operator string) CertificateRevoked {
	return CertificateRevoked{
		Header:       newHeader(TypeCertificateRevoked, now),
		SerialNumber: serial,
		Reason:       reason,
		Operator:     operator,
	}
}

// CRLIssued is emitted each time a CA signs a CRL.
type CRLIssued struct {
	Header
	CAID         uuid.UUID
	CRLNumber    int64
	URL          string
	RevokedCount int
}

// NewCRLIssued builds a CRLIssued event.
func NewCRLIssued(now time.Time, crl *models.CRL) CRLIssued {
	return CRLIssued{
		Header:       newHeader(TypeCRLIssued, now),
		CAID:         crl.CAID,
		CRLNumber:    crl.Number,
		URL:          crl.URL,
		RevokedCount: len(crl.Entries),
	}
}

// RenewalNoticeDue is emitted by the expiry scan for certificates inside their
// notification window.
type RenewalNoticeDue struct {
	Header
	SerialNumber    string
	ApplicantID     string
	DaysUntilExpiry int
}

// NewRenewalNoticeDue builds a RenewalNoticeDue event.
func NewRenewalNoticeDue(now time.Time, cert *models.Certificate) RenewalNoticeDue {
	return RenewalNoticeDue{
		Header:          newHeader(TypeRenewalNoticeDue, now),
		SerialNumber:    cert.SerialNumber,
		ApplicantID:     cert.ApplicantID,
		DaysUntilExpiry: cert.DaysUntilExpiry(now),
	}
}

// AuthenticationCompleted is emitted once applicant validation finishes.
type AuthenticationCompleted struct {
	Header
	RequestID   uuid.UUID
	ApplicantID string
	Status      models.AuthRequestStatus
}

// NewAuthenticationCompleted builds an AuthenticationCompleted event.
func NewAuthenticationCompleted(now time.Time, req *models.AuthenticationRequest) AuthenticationCompleted {
	return AuthenticationCompleted{
		Header:      newHeader(TypeAuthenticationCompleted, now),
		RequestID:   req.ID,
		ApplicantID: req.ApplicantID,
		Status:      req.Status,
	}
}
