package hybrid

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/wolfeidau/hybridca/internal/models"
)

// Private OID arc 1.3.6.1.4.1.56546.500 for hybrid certificate material.
// Certificate extensions live under .1, CSR request attributes under .2.
var (
	OIDHybridArc = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500}

	// OIDPQCSignaturePublicKey carries the subject's PQC signature key.
	// Value: SubjectPublicKeyInfo
	OIDPQCSignaturePublicKey = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 1}

	// OIDPQCKEMPublicKey carries the subject's PQC key encapsulation key.
	// Value: SubjectPublicKeyInfo
	OIDPQCKEMPublicKey = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 2}

	// OIDAltSignatureAlgorithm identifies the algorithm of the alternate signature.
	// Value: AlgorithmIdentifier
	OIDAltSignatureAlgorithm = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 3}

	// OIDAltSignatureValue is the alternate signature over the TBS certificate
	// without this extension. It is always the last extension.
	// Value: BIT STRING
	OIDAltSignatureValue = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 4}

	// OIDMerkleRoot is an opaque 32 byte commitment.
	// Value: OCTET STRING
	OIDMerkleRoot = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 10}

	// OIDSidecarURL points at auxiliary material bound by the Merkle root.
	// Value: IA5String
	OIDSidecarURL = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 1, 11}

	// CSR request attributes, carried in the PKCS#10 extensionRequest.
	OIDAttrPQCSignaturePublicKey = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 2, 1}
	OIDAttrPQCSignatureValue     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 2, 2}
	OIDAttrPQCKEMPublicKey       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 2, 3}
	OIDAttrPQCKEMProof           = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56546, 500, 2, 4}
)

// Algorithm OIDs.
var (
	OIDMLDSA65          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}
	OIDMLKEM768         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 4, 2}
	OIDECDSAWithSHA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDSHA256WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDPublicKeyECDSA   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDPublicKeyRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDExtensionRequest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
)

// ErrExtensionNotFound is returned when a hybrid extension is missing
var ErrExtensionNotFound = errors.New("extension not found")

func findExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) ([]byte, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, nil
		}
	}
	return nil, ErrExtensionNotFound
}

// IsHybrid reports whether the certificate carries a PQC signature key.
func IsHybrid(cert *x509.Certificate) bool {
	_, err := findExtension(cert, OIDPQCSignaturePublicKey)
	return err == nil
}

// ExtractPQCSignaturePublicKey returns the PQC signature key from the certificate.
func ExtractPQCSignaturePublicKey(cert *x509.Certificate) (crypto.PublicKey, error) {
	value, err := findExtension(cert, OIDPQCSignaturePublicKey)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(value)
}

// ExtractPQCKEMPublicKey returns the PQC KEM key from the certificate.
func ExtractPQCKEMPublicKey(cert *x509.Certificate) (crypto.PublicKey, error) {
	value, err := findExtension(cert, OIDPQCKEMPublicKey)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(value)
}

// ExtractAltSignatureAlgorithm returns the algorithm of the alternate signature.
func ExtractAltSignatureAlgorithm(cert *x509.Certificate) (models.SignatureAlgorithm, error) {
	value, err := findExtension(cert, OIDAltSignatureAlgorithm)
	if err != nil {
		return "", err
	}
	var ai algorithmIdentifier
	if _, err := asn1.Unmarshal(value, &ai); err != nil {
		return "", fmt.Errorf("failed to unmarshal alternate signature algorithm: %w", err)
	}
	return algorithmFromOID(ai.Algorithm)
}

// ExtractAltSignatureValue returns the raw alternate signature.
func ExtractAltSignatureValue(cert *x509.Certificate) ([]byte, error) {
	value, err := findExtension(cert, OIDAltSignatureValue)
	if err != nil {
		return nil, err
	}
	var sig asn1.BitString
	if _, err := asn1.Unmarshal(value, &sig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alternate signature: %w", err)
	}
	return sig.Bytes, nil
}

// ExtractMerkleRoot returns the Merkle root commitment.
func ExtractMerkleRoot(cert *x509.Certificate) ([]byte, error) {
	value, err := findExtension(cert, OIDMerkleRoot)
	if err != nil {
		return nil, err
	}
	var root []byte
	if _, err := asn1.Unmarshal(value, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merkle root: %w", err)
	}
	return root, nil
}

// ExtractSidecarURL returns the sidecar URL.
func ExtractSidecarURL(cert *x509.Certificate) (string, error) {
	value, err := findExtension(cert, OIDSidecarURL)
	if err != nil {
		return "", err
	}
	var url string
	if _, err := asn1.UnmarshalWithParams(value, &url, "ia5"); err != nil {
		return "", fmt.Errorf("failed to unmarshal sidecar url: %w", err)
	}
	return url, nil
}

// algorithmIdentifier mirrors pkix.AlgorithmIdentifier with optional parameters.
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// AlgorithmIdentifier returns the DER AlgorithmIdentifier for an alternate
// signature algorithm.
func AlgorithmIdentifier(alg models.SignatureAlgorithm) ([]byte, error) {
	switch alg {
	case models.SignatureMLDSA:
		return asn1.Marshal(algorithmIdentifier{Algorithm: OIDMLDSA65})
	case models.SignatureECDSAP256:
		return asn1.Marshal(algorithmIdentifier{Algorithm: OIDECDSAWithSHA256})
	case models.SignatureRSA2048, models.SignatureRSA4096:
		return asn1.Marshal(algorithmIdentifier{Algorithm: OIDSHA256WithRSA, Parameters: asn1.NullRawValue})
	}
	return nil, fmt.Errorf("%w: %s as alternate signature", models.ErrUnsupportedAlgorithm, alg)
}

func algorithmFromOID(oid asn1.ObjectIdentifier) (models.SignatureAlgorithm, error) {
	switch {
	case oid.Equal(OIDMLDSA65):
		return models.SignatureMLDSA, nil
	case oid.Equal(OIDECDSAWithSHA256):
		return models.SignatureECDSAP256, nil
	case oid.Equal(OIDSHA256WithRSA):
		return models.SignatureRSA2048, nil
	}
	return "", fmt.Errorf("%w: signature OID %s", models.ErrUnsupportedAlgorithm, oid)
}
