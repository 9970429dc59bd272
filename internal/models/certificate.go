package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CertificateType classifies what a certificate is issued for.
type CertificateType string

const (
	CertificateTypeDevice       CertificateType = "DEVICE_CERT"
	CertificateTypePlatform     CertificateType = "PLATFORM_CERT"
	CertificateTypeCA           CertificateType = "CA_CERT"
	CertificateTypeIntermediate CertificateType = "INTERMEDIATE_CERT"
)

// ParseCertificateType accepts the canonical names and the short aliases used
// by operators (DEVICE, PLATFORM, CA/ROOT, INTERMEDIATE/SUBCA).
func ParseCertificateType(s string) (CertificateType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEVICE_CERT", "DEVICE":
		return CertificateTypeDevice, nil
	case "PLATFORM_CERT", "PLATFORM":
		return CertificateTypePlatform, nil
	case "CA_CERT", "CA", "ROOT":
		return CertificateTypeCA, nil
	case "INTERMEDIATE_CERT", "INTERMEDIATE", "SUBCA":
		return CertificateTypeIntermediate, nil
	}
	return "", fmt.Errorf("%w: certificate type %q", ErrInvalidInput, s)
}

// IsCA reports whether certificates of this type may sign other certificates.
func (t CertificateType) IsCA() bool {
	return t == CertificateTypeCA || t == CertificateTypeIntermediate
}

// CertificateStatus is the lifecycle state of a certificate.
type CertificateStatus string

const (
	StatusPendingIssuance CertificateStatus = "PENDING_ISSUANCE"
	StatusActive          CertificateStatus = "ACTIVE"
	StatusRevoked         CertificateStatus = "REVOKED"
	StatusExpired         CertificateStatus = "EXPIRED"
	StatusRenewalDue      CertificateStatus = "RENEWAL_DUE"
)

// IsTerminal reports whether no further transition can leave this state.
func (s CertificateStatus) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// DefaultRenewalThresholdDays is the notification threshold applied when a
// certificate has no explicit policy.
const DefaultRenewalThresholdDays = 30

// NotificationPolicy controls renewal reminders.
type NotificationPolicy struct {
	ThresholdDays int
	Email         bool
	SMS           bool
	Webhook       bool
}

// DefaultNotificationPolicy returns the 30 day, email-only policy.
func DefaultNotificationPolicy() NotificationPolicy {
	return NotificationPolicy{ThresholdDays: DefaultRenewalThresholdDays, Email: true}
}

// RevocationInfo records who revoked a certificate, when and why.
type RevocationInfo struct {
	RevokedAt time.Time
	Reason    RevocationReason
	Operator  string
	Comments  string
}

// HybridFields carries the post-quantum material bound into a Catalyst certificate.
type HybridFields struct {
	PQCSignaturePublicKeyPEM string
	PQCKEMPublicKeyPEM       string
	AltSignatureAlgorithm    SignatureAlgorithm
	MerkleRoot               []byte
	SidecarURL               string
	Bundle                   string // certificate PEM followed by the PQC public keys
}

// Certificate is an issued end-entity or subordinate certificate.
type Certificate struct {
	SerialNumber       string // lower-case hex
	CAID               uuid.UUID
	Type               CertificateType
	SubjectDN          string
	IssuerDN           string
	Status             CertificateStatus
	NotBefore          time.Time
	NotAfter           time.Time
	SignatureAlgorithm SignatureAlgorithm
	ApplicantID        string
	RequestID          string
	PEM                string

	Hybrid       *HybridFields   // nil for classical certificates
	Revocation   *RevocationInfo // set once revoked
	Notification NotificationPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsHybrid reports whether the certificate carries post-quantum material.
func (c *Certificate) IsHybrid() bool {
	return c.Hybrid != nil
}

// IsExpired reports whether now is past the end of the validity window.
func (c *Certificate) IsExpired(now time.Time) bool {
	return now.After(c.NotAfter)
}

// DaysUntilExpiry returns whole days until NotAfter, or 0 once it has passed.
func (c *Certificate) DaysUntilExpiry(now time.Time) int {
	if !now.Before(c.NotAfter) {
		return 0
	}
	return int(c.NotAfter.Sub(now) / (24 * time.Hour))
}

// NeedsRenewalNotice reports whether an active certificate is inside its
// notification window.
func (c *Certificate) NeedsRenewalNotice(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	threshold := c.Notification.ThresholdDays
	if threshold <= 0 {
		threshold = DefaultRenewalThresholdDays
	}
	days := c.DaysUntilExpiry(now)
	return days > 0 && days <= threshold
}

// IsValid reports whether the certificate is active and inside its validity window.
func (c *Certificate) IsValid(now time.Time) bool {
	return c.Status == StatusActive && !c.IsExpired(now)
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	if c.Hybrid != nil {
		h := *c.Hybrid
		h.MerkleRoot = append([]byte(nil), c.Hybrid.MerkleRoot...)
		out.Hybrid = &h
	}
	if c.Revocation != nil {
		r := *c.Revocation
		out.Revocation = &r
	}
	return &out
}

// RevokedEntry returns the CRL entry for a revoked certificate.
func (c *Certificate) RevokedEntry() (RevokedEntry, bool) {
	if c.Status != StatusRevoked || c.Revocation == nil {
		return RevokedEntry{}, false
	}
	return RevokedEntry{
		SerialNumber: c.SerialNumber,
		RevokedAt:    c.Revocation.RevokedAt,
		Reason:       c.Revocation.Reason,
	}, true
}
