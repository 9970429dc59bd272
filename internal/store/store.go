package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/models"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional write finds the record
	// changed since it was read.
	ErrConflict = errors.New("conflict")
)

// AuthorityStore persists certificate authorities.
type AuthorityStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.CertificateAuthority, error)
	GetByName(ctx context.Context, name string) (*models.CertificateAuthority, error)
	List(ctx context.Context) ([]*models.CertificateAuthority, error)
	Create(ctx context.Context, ca *models.CertificateAuthority) error
	// Save updates the name and enabled flag of an existing CA. Counters
	// are only ever advanced by the Allocate methods.
	Save(ctx context.Context, ca *models.CertificateAuthority) error
	// AllocateSerial returns the next serial sequence value of a CA and
	// advances it in the same write, so every process sharing the store
	// sees a distinct value.
	AllocateSerial(ctx context.Context, id uuid.UUID) (uint64, error)
	// AllocateCRLNumber returns the next CRL number of a CA and advances it.
	AllocateCRLNumber(ctx context.Context, id uuid.UUID) (int64, error)
}

// CertificateStore persists issued certificates.
type CertificateStore interface {
	// Get retrieves a certificate by serial number
	Get(ctx context.Context, serialNumber string) (*models.Certificate, error)

	// Create stores a newly issued certificate
	Create(ctx context.Context, cert *models.Certificate) error

	// Save updates an existing certificate if its stored status is still
	// prev. ErrConflict is returned when another writer got there first.
	Save(ctx context.Context, cert *models.Certificate, prev models.CertificateStatus) error

	// List returns certificates matching the options
	List(ctx context.Context, opts ListCertificatesOptions) ([]*models.Certificate, error)
}

// ListCertificatesOptions specifies filters for listing certificates
type ListCertificatesOptions struct {
	CAID          uuid.UUID                  // Filter by issuing CA (zero = all)
	ApplicantID   string                     // Filter by applicant (empty = all)
	SubjectDN     string                     // Exact subject match (empty = all)
	Status        []models.CertificateStatus // Filter by status (empty = all)
	ExpiresBefore time.Time                  // Only certs with NotAfter before this (zero = no bound)
	Limit         int                        // Max results (0 = unlimited)
}

// Matches reports whether a certificate passes the filter.
func (o ListCertificatesOptions) Matches(c *models.Certificate) bool {
	if o.CAID != uuid.Nil && c.CAID != o.CAID {
		return false
	}
	if o.ApplicantID != "" && c.ApplicantID != o.ApplicantID {
		return false
	}
	if o.SubjectDN != "" && c.SubjectDN != o.SubjectDN {
		return false
	}
	if len(o.Status) > 0 {
		found := false
		for _, s := range o.Status {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !o.ExpiresBefore.IsZero() && !c.NotAfter.Before(o.ExpiresBefore) {
		return false
	}
	return true
}

// PolicyStore persists certificate policies.
type PolicyStore interface {
	Get(ctx context.Context, id string) (*models.CertificatePolicy, error)
	// GetEnabled returns the single enabled policy for a certificate type.
	GetEnabled(ctx context.Context, certType models.CertificateType) (*models.CertificatePolicy, error)
	List(ctx context.Context) ([]*models.CertificatePolicy, error)
	Create(ctx context.Context, policy *models.CertificatePolicy) error
	Save(ctx context.Context, policy *models.CertificatePolicy) error
}

// RevocationSnapshot is the persisted revocation state of one CA.
type RevocationSnapshot struct {
	CAID      uuid.UUID
	CAName    string
	Metadata  models.CRLMetadata
	Entries   []models.RevokedEntry
	UpdatedAt time.Time
}

// RevocationSnapshotStore persists the latest revocation snapshot of each CA.
type RevocationSnapshotStore interface {
	// List returns the latest snapshot of every CA, ordered by CA name. An
	// empty store returns an empty slice.
	List(ctx context.Context) ([]*RevocationSnapshot, error)
	// Save replaces the snapshot of snap.CAID, leaving other CAs untouched.
	Save(ctx context.Context, snap *RevocationSnapshot) error
}

// AuditRecord is one tamper-evident audit log entry.
type AuditRecord struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	EventType   string
	Operation   string
	Operator    string
	Resource    string
	ClientIP    string
	Result      string
	Payload     string // JSON
	PayloadHash string // base64 SHA-256 of Payload
	OccurredAt  time.Time
	RecordedAt  time.Time
}

// AuditQuery filters audit records. Zero fields are ignored.
type AuditQuery struct {
	EventType string
	Operator  string
	From      time.Time
	To        time.Time
}

// AuditStore persists audit records.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	Get(ctx context.Context, id uuid.UUID) (*AuditRecord, error)
	Query(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}

// AuthRequestStore persists applicant authentication requests.
type AuthRequestStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.AuthenticationRequest, error)
	Save(ctx context.Context, req *models.AuthenticationRequest) error
}
