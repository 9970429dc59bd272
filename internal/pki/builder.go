package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
)

// CertificateRequest is everything the builder needs to produce one certificate.
type CertificateRequest struct {
	SerialNumber *big.Int
	Subject      pkix.Name
	RawSubject   []byte // takes precedence over Subject when set
	PublicKey    crypto.PublicKey
	NotBefore    time.Time
	NotAfter     time.Time

	IsCA        bool
	MaxPathLen  int
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage

	CRLDistributionPoints []string
	ExtraExtensions       []pkix.Extension
}

// CRLRequest describes one CRL generation.
type CRLRequest struct {
	Number     int64
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []models.RevokedEntry
}

// Builder produces DER certificates and CRLs with crypto/x509, delegating
// hybrid extensions to the Catalyst assembler.
type Builder struct {
	rand      io.Reader
	assembler *hybrid.Assembler
}

// NewBuilder creates a builder using crypto/rand.
func NewBuilder() *Builder {
	return &Builder{rand: rand.Reader, assembler: hybrid.NewAssembler()}
}

// X509SignatureAlgorithm maps a CA algorithm to the crypto/x509 signature algorithm.
func X509SignatureAlgorithm(alg models.SignatureAlgorithm) (x509.SignatureAlgorithm, error) {
	switch alg {
	case models.SignatureECDSAP256:
		return x509.ECDSAWithSHA256, nil
	case models.SignatureRSA2048, models.SignatureRSA4096:
		return x509.SHA256WithRSA, nil
	}
	return x509.UnknownSignatureAlgorithm, CheckPrimaryAlgorithm(alg)
}

// BuildCertificate signs req with signer. A nil issuer produces a self-signed
// certificate. rc may be nil for classical certificates.
func (b *Builder) BuildCertificate(req CertificateRequest, issuer *x509.Certificate, signer crypto.Signer, alg models.SignatureAlgorithm, rc *hybrid.RequestContext) ([]byte, error) {
	sigAlg, err := X509SignatureAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	if req.SerialNumber == nil || req.SerialNumber.Sign() <= 0 {
		return nil, models.NewError("build certificate", models.KindInvalidInput, fmt.Errorf("serial number must be positive"))
	}

	template := &x509.Certificate{
		SerialNumber:          req.SerialNumber,
		Subject:               req.Subject,
		RawSubject:            req.RawSubject,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		SignatureAlgorithm:    sigAlg,
		KeyUsage:              req.KeyUsage,
		ExtKeyUsage:           req.ExtKeyUsage,
		CRLDistributionPoints: req.CRLDistributionPoints,
		ExtraExtensions:       req.ExtraExtensions,
	}
	if req.IsCA {
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.MaxPathLen = req.MaxPathLen
		template.MaxPathLenZero = req.MaxPathLen == 0
	}

	sign := func(tmpl *x509.Certificate) ([]byte, error) {
		parent := issuer
		if parent == nil {
			parent = tmpl
		}
		der, err := x509.CreateCertificate(b.rand, tmpl, parent, req.PublicKey, signer)
		if err != nil {
			return nil, models.CryptoFailure("sign certificate", string(alg), err)
		}
		return der, nil
	}

	return b.assembler.Sign(template, rc, sign)
}

// BuildCRL signs a CRL listing req.Entries.
func (b *Builder) BuildCRL(req CRLRequest, issuer *x509.Certificate, signer crypto.Signer, alg models.SignatureAlgorithm) ([]byte, error) {
	sigAlg, err := X509SignatureAlgorithm(alg)
	if err != nil {
		return nil, err
	}

	entries := make([]x509.RevocationListEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		serial, err := ParseSerial(e.SerialNumber)
		if err != nil {
			return nil, err
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: e.RevokedAt.UTC(),
			ReasonCode:     e.Reason.Code(),
		})
	}

	template := &x509.RevocationList{
		SignatureAlgorithm:        sigAlg,
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(req.Number),
		ThisUpdate:                req.ThisUpdate.UTC(),
		NextUpdate:                req.NextUpdate.UTC(),
	}

	der, err := x509.CreateRevocationList(b.rand, template, issuer, signer)
	if err != nil {
		return nil, models.CryptoFailure("sign CRL", string(alg), err)
	}
	return der, nil
}

// GenerateKeyPair creates a fresh signing key.
func (b *Builder) GenerateKeyPair(alg models.SignatureAlgorithm) (crypto.Signer, error) {
	return GenerateKeyPair(alg)
}

// VerifySignature checks that cert was signed by pub.
func (b *Builder) VerifySignature(cert *x509.Certificate, pub crypto.PublicKey) error {
	parent := &x509.Certificate{PublicKey: pub}
	switch pub.(type) {
	case *ecdsa.PublicKey:
		parent.PublicKeyAlgorithm = x509.ECDSA
	case *rsa.PublicKey:
		parent.PublicKeyAlgorithm = x509.RSA
	default:
		return fmt.Errorf("%w: verification key %T", models.ErrUnsupportedAlgorithm, pub)
	}
	return cert.CheckSignatureFrom(parent)
}

// CertificatePEM encodes DER as a PEM CERTIFICATE block.
func CertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// CRLPEM encodes DER as a PEM X509 CRL block.
func CRLPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}))
}

// ParseCertificatePEM decodes the first CERTIFICATE block.
func ParseCertificatePEM(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// CRLNumber reads the CRL number from DER or PEM.
func CRLNumber(data []byte) (int64, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	rl, err := x509.ParseRevocationList(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if rl.Number == nil {
		return 0, fmt.Errorf("CRL has no number")
	}
	return rl.Number.Int64(), nil
}

// FormatSerial renders a serial as lower-case hex.
func FormatSerial(serial *big.Int) string {
	return serial.Text(16)
}

// ParseSerial parses a hex serial number.
func ParseSerial(s string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, models.NewError("parse serial", models.KindInvalidInput, fmt.Errorf("invalid serial number %q", s))
	}
	return serial, nil
}
