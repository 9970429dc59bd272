package hybrid

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// MarshalPublicKey encodes a public key as SubjectPublicKeyInfo DER. ML-DSA-65
// and ML-KEM-768 keys are encoded with their NIST OIDs and no parameters;
// classical keys go through crypto/x509.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	var (
		oid asn1.ObjectIdentifier
		raw []byte
		err error
	)
	switch k := pub.(type) {
	case *mldsa65.PublicKey:
		oid = OIDMLDSA65
		raw, err = k.MarshalBinary()
	case *mlkem768.PublicKey:
		oid = OIDMLKEM768
		raw, err = k.MarshalBinary()
	default:
		return x509.MarshalPKIXPublicKey(pub)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
}

// ParsePublicKey decodes SubjectPublicKeyInfo DER produced by MarshalPublicKey.
func ParsePublicKey(der []byte) (crypto.PublicKey, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key info: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after public key info")
	}

	switch {
	case spki.Algorithm.Algorithm.Equal(OIDMLDSA65):
		pk, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(spki.PublicKey.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-65 public key: %w", err)
		}
		return pk, nil
	case spki.Algorithm.Algorithm.Equal(OIDMLKEM768):
		pk, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(spki.PublicKey.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ML-KEM-768 public key: %w", err)
		}
		return pk, nil
	}
	return x509.ParsePKIXPublicKey(der)
}

// PublicKeyPEM encodes a public key as a PEM "PUBLIC KEY" block.
func PublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PEM "PUBLIC KEY" block.
func ParsePublicKeyPEM(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	return ParsePublicKey(block.Bytes)
}

// KeyAlgorithm names the algorithm family of a public key.
func KeyAlgorithm(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *mldsa65.PublicKey:
		return "ML-DSA"
	case *mlkem768.PublicKey:
		return "ML-KEM"
	case *ecdsa.PublicKey:
		return "ECDSA"
	case *rsa.PublicKey:
		return "RSA"
	}
	return "UNKNOWN"
}
