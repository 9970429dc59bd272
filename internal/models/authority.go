package models

import (
	"time"

	"github.com/google/uuid"
)

// CertificateAuthority is the persisted state of a CA. The signing behaviour
// lives in the authority package; this struct is what stores load and save.
type CertificateAuthority struct {
	ID   uuid.UUID // UUIDv7
	Name string

	// The CA's own certificate. SubjectDN equals the issuer DN for roots.
	SubjectDN             string
	CertificatePEM        string
	CertificateSerial     string
	SignatureAlgorithm    SignatureAlgorithm
	AltSignatureAlgorithm SignatureAlgorithm // empty when the CA is not hybrid
	NotBefore             time.Time
	NotAfter              time.Time

	// Issuance counters, owned by the aggregate.
	NextSerial    uint64
	NextCRLNumber int64

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsHybrid reports whether the CA holds an alternate post-quantum signing key.
func (ca *CertificateAuthority) IsHybrid() bool {
	return ca.AltSignatureAlgorithm != ""
}

// Clone returns a copy safe to hand across store boundaries.
func (ca *CertificateAuthority) Clone() *CertificateAuthority {
	if ca == nil {
		return nil
	}
	out := *ca
	return &out
}
