package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RevocationReason is an RFC 5280 CRLReason code.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "UNSPECIFIED",
	ReasonKeyCompromise:        "KEY_COMPROMISE",
	ReasonCACompromise:         "CA_COMPROMISE",
	ReasonAffiliationChanged:   "AFFILIATION_CHANGED",
	ReasonSuperseded:           "SUPERSEDED",
	ReasonCessationOfOperation: "CESSATION_OF_OPERATION",
	ReasonCertificateHold:      "CERTIFICATE_HOLD",
	ReasonRemoveFromCRL:        "REMOVE_FROM_CRL",
	ReasonPrivilegeWithdrawn:   "PRIVILEGE_WITHDRAWN",
	ReasonAACompromise:         "AA_COMPROMISE",
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REASON_%d", int(r))
}

// Code returns the numeric CRLReason.
func (r RevocationReason) Code() int { return int(r) }

// ParseRevocationReason accepts either the enum name or its numeric code.
func ParseRevocationReason(s string) (RevocationReason, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for r, name := range reasonNames {
		if name == s || fmt.Sprint(int(r)) == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: revocation reason %q", ErrInvalidInput, s)
}

// RevokedEntry is one revoked serial as carried in a CRL and in the status cache.
type RevokedEntry struct {
	SerialNumber string
	RevokedAt    time.Time
	Reason       RevocationReason
}

// CRL is a signed certificate revocation list.
type CRL struct {
	CAID       uuid.UUID
	Number     int64
	IssuerDN   string
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []RevokedEntry
	DER        []byte
	PEM        string
	URL        string
}

// Metadata summarises the CRL for the status cache.
func (c *CRL) Metadata() CRLMetadata {
	return CRLMetadata{
		Number:       c.Number,
		IssuerDN:     c.IssuerDN,
		ThisUpdate:   c.ThisUpdate,
		NextUpdate:   c.NextUpdate,
		URL:          c.URL,
		RevokedCount: len(c.Entries),
	}
}

// CRLUpdateWindow is how long before NextUpdate a CRL is considered due.
const CRLUpdateWindow = time.Hour

// CRLMetadata describes the CRL generation a cache snapshot was built from.
type CRLMetadata struct {
	Number       int64
	IssuerDN     string
	ThisUpdate   time.Time
	NextUpdate   time.Time
	URL          string
	RevokedCount int
}

// IsExpired reports whether the CRL is past its NextUpdate.
func (m CRLMetadata) IsExpired(now time.Time) bool {
	return now.After(m.NextUpdate)
}

// NeedsUpdate reports whether the CRL is within CRLUpdateWindow of NextUpdate.
func (m CRLMetadata) NeedsUpdate(now time.Time) bool {
	return !now.Before(m.NextUpdate.Add(-CRLUpdateWindow))
}
