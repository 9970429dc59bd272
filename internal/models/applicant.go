package models

import (
	"crypto"
	"crypto/x509/pkix"
	"time"

	"github.com/google/uuid"
)

// Applicant is a subject known to the identity provider.
type Applicant struct {
	ID           string
	Name         string
	Email        string
	Organization string
	Active       bool
}

// AuthRequestStatus is the outcome of applicant authentication.
type AuthRequestStatus string

const (
	AuthPendingValidation    AuthRequestStatus = "PENDING_VALIDATION"
	AuthValidationSuccessful AuthRequestStatus = "VALIDATION_SUCCESSFUL"
	AuthValidationFailed     AuthRequestStatus = "VALIDATION_FAILED"
)

// AuthenticationRequest tracks one applicant authentication attempt.
type AuthenticationRequest struct {
	ID            uuid.UUID
	ApplicantID   string
	TokenSubject  string
	SubjectDN     string
	KeyAlgorithm  string
	Status        AuthRequestStatus
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// ParsedCSR is the value the CA core needs from a certificate signing request.
type ParsedCSR struct {
	SubjectDN          string
	RawSubject         []byte // DER Name, compared byte-for-byte for dual CSRs
	PublicKey          crypto.PublicKey
	PublicKeyAlgorithm string // "ECDSA", "RSA", "ML-DSA", ...
	SignatureValid     bool
	Extensions         []pkix.Extension

	// Hybrid request attributes, empty when absent.
	PQCSignaturePublicKeyPEM string
	PQCKEMPublicKeyPEM       string
	PQCSignatureValue        []byte
	PQCKEMProof              []byte

	Raw []byte // DER
}

// HasHybridAttributes reports whether the CSR carries any PQC material.
func (c *ParsedCSR) HasHybridAttributes() bool {
	return c.PQCSignaturePublicKeyPEM != "" || c.PQCKEMPublicKeyPEM != ""
}
