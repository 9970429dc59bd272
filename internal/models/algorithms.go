package models

import (
	"fmt"
	"strings"
)

// SignatureAlgorithm identifies a certificate signature algorithm family.
type SignatureAlgorithm string

const (
	SignatureSM2       SignatureAlgorithm = "SM2"
	SignatureMLDSA     SignatureAlgorithm = "ML-DSA"
	SignatureRSA2048   SignatureAlgorithm = "RSA2048"
	SignatureRSA4096   SignatureAlgorithm = "RSA4096"
	SignatureECDSAP256 SignatureAlgorithm = "ECDSA_P256"
)

// KEMAlgorithm identifies a key encapsulation mechanism.
type KEMAlgorithm string

const (
	KEMMLKEM  KEMAlgorithm = "ML-KEM"
	KEMRSAKEM KEMAlgorithm = "RSA-KEM"
)

var signatureAliases = map[string]SignatureAlgorithm{
	"SM2":             SignatureSM2,
	"SM3WITHSM2":      SignatureSM2,
	"ML-DSA":          SignatureMLDSA,
	"MLDSA":           SignatureMLDSA,
	"ML-DSA-65":       SignatureMLDSA,
	"DILITHIUM3":      SignatureMLDSA,
	"RSA2048":         SignatureRSA2048,
	"RSA":             SignatureRSA2048,
	"SHA256WITHRSA":   SignatureRSA2048,
	"RSA4096":         SignatureRSA4096,
	"ECDSA_P256":      SignatureECDSAP256,
	"ECDSA":           SignatureECDSAP256,
	"SHA256WITHECDSA": SignatureECDSAP256,
}

// ParseSignatureAlgorithm resolves a user-supplied algorithm name, accepting the
// common JCA-style aliases.
func ParseSignatureAlgorithm(s string) (SignatureAlgorithm, error) {
	alg, ok := signatureAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: signature algorithm %q", ErrUnsupportedAlgorithm, s)
	}
	return alg, nil
}

// ParseKEMAlgorithm resolves a KEM algorithm name. An empty string is valid and
// means no KEM was requested.
func ParseKEMAlgorithm(s string) (KEMAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "ML-KEM", "MLKEM", "ML-KEM-768", "KYBER768":
		return KEMMLKEM, nil
	case "RSA-KEM", "RSAKEM":
		return KEMRSAKEM, nil
	}
	return "", fmt.Errorf("%w: KEM algorithm %q", ErrUnsupportedAlgorithm, s)
}

// IsPostQuantum reports whether the algorithm is a post-quantum scheme.
func (a SignatureAlgorithm) IsPostQuantum() bool {
	return a == SignatureMLDSA
}

func (a SignatureAlgorithm) String() string { return string(a) }

func (k KEMAlgorithm) String() string { return string(k) }
