package models

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Policy rule names reported in violations.
const (
	RuleCryptographic  = "cryptographic"
	RuleValidityPeriod = "validity_period"
	RuleSubjectDN      = "subject_dn"
	RuleHybrid         = "hybrid_signature"
)

// CertificatePolicy is the issuance policy for one certificate type.
type CertificatePolicy struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	CertificateType CertificateType    `yaml:"certificate_type"`
	Version         int                `yaml:"version"`
	Enabled         bool               `yaml:"enabled"`
	Crypto          CryptographicRule  `yaml:"cryptographic"`
	Validity        ValidityPeriodRule `yaml:"validity"`
	Subject         SubjectDNRule      `yaml:"subject"`
	CreatedAt       time.Time          `yaml:"-"`
	UpdatedAt       time.Time          `yaml:"-"`
}

// Validate checks the policy is internally consistent.
func (p *CertificatePolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	if _, err := ParseCertificateType(string(p.CertificateType)); err != nil {
		return err
	}
	if p.Validity.MinDays < 0 || p.Validity.MaxDays < p.Validity.MinDays {
		return fmt.Errorf("%w: validity range [%d, %d]", ErrInvalidInput, p.Validity.MinDays, p.Validity.MaxDays)
	}
	if p.Subject.CommonNamePattern != "" {
		if _, err := regexp.Compile(p.Subject.CommonNamePattern); err != nil {
			return fmt.Errorf("%w: common name pattern: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *CertificatePolicy) Clone() *CertificatePolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.Crypto.SignatureAlgorithms = slices.Clone(p.Crypto.SignatureAlgorithms)
	out.Crypto.KEMAlgorithms = slices.Clone(p.Crypto.KEMAlgorithms)
	out.Subject.RequiredAttributes = slices.Clone(p.Subject.RequiredAttributes)
	return &out
}

// CryptographicRule constrains algorithms and key strength.
type CryptographicRule struct {
	SignatureAlgorithms    []SignatureAlgorithm `yaml:"signature_algorithms"`
	KEMAlgorithms          []KEMAlgorithm       `yaml:"kem_algorithms"`
	MinKeyLength           int                  `yaml:"min_key_length"`
	RequireHybridSignature bool                 `yaml:"require_hybrid_signature"`
}

// Allows reports whether the algorithms are permitted. Empty allow-lists accept
// everything and an empty KEM means none was requested.
func (r CryptographicRule) Allows(sig SignatureAlgorithm, kem KEMAlgorithm) bool {
	if len(r.SignatureAlgorithms) > 0 && !slices.Contains(r.SignatureAlgorithms, sig) {
		return false
	}
	if kem != "" && len(r.KEMAlgorithms) > 0 && !slices.Contains(r.KEMAlgorithms, kem) {
		return false
	}
	return true
}

// ValidityPeriodRule bounds the certificate lifetime in days.
type ValidityPeriodRule struct {
	MinDays int `yaml:"min_days"`
	MaxDays int `yaml:"max_days"`
}

// ValidityDays counts whole days between two instants, truncating toward zero.
func ValidityDays(notBefore, notAfter time.Time) int {
	return int(notAfter.Sub(notBefore) / (24 * time.Hour))
}

// Allows reports whether the window falls inside [MinDays, MaxDays].
func (r ValidityPeriodRule) Allows(notBefore, notAfter time.Time) bool {
	days := ValidityDays(notBefore, notAfter)
	return days >= r.MinDays && days <= r.MaxDays
}

// SubjectDNRule constrains the subject distinguished name.
type SubjectDNRule struct {
	RequiredAttributes []string `yaml:"required_attributes"`
	CommonNamePattern  string   `yaml:"common_name_pattern"`
}

// Allows reports whether every required attribute appears as KEY= and, when a
// pattern is configured, some part of the DN matches it.
func (r SubjectDNRule) Allows(dn string) bool {
	return r.Check(dn) == ""
}

// Check returns a human readable reason for the first failure, or "".
func (r SubjectDNRule) Check(dn string) string {
	if strings.TrimSpace(dn) == "" {
		return "subject DN is empty"
	}
	for _, attr := range r.RequiredAttributes {
		if !strings.Contains(dn, attr+"=") {
			return fmt.Sprintf("missing required attribute %s", attr)
		}
	}
	if r.CommonNamePattern == "" {
		return ""
	}
	re, err := regexp.Compile(r.CommonNamePattern)
	if err != nil {
		return fmt.Sprintf("invalid common name pattern: %v", err)
	}
	if !re.MatchString(dn) {
		return fmt.Sprintf("subject does not match pattern %q", r.CommonNamePattern)
	}
	return ""
}
