package hybrid

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/hybridca/internal/models"
)

// SignFunc signs a template with the primary CA key and returns DER.
type SignFunc func(template *x509.Certificate) ([]byte, error)

// Assembler builds Catalyst certificates: the classical certificate carries
// the PQC keys as extensions plus an alternate signature over its own TBS.
type Assembler struct {
	rand io.Reader
}

// NewAssembler creates an assembler using crypto/rand.
func NewAssembler() *Assembler {
	return &Assembler{rand: rand.Reader}
}

// Extensions returns every hybrid extension except the alternate signature
// value, in a fixed order.
func (a *Assembler) Extensions(rc *RequestContext) ([]pkix.Extension, error) {
	if !rc.IsEnabled() {
		return nil, nil
	}

	var exts []pkix.Extension

	sigKey, err := MarshalPublicKey(rc.PQCSignaturePublicKey)
	if err != nil {
		return nil, fmt.Errorf("PQC signature key: %w", err)
	}
	exts = append(exts, pkix.Extension{Id: OIDPQCSignaturePublicKey, Value: sigKey})

	if rc.PQCKEMPublicKey != nil {
		kemKey, err := MarshalPublicKey(rc.PQCKEMPublicKey)
		if err != nil {
			return nil, fmt.Errorf("PQC KEM key: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: OIDPQCKEMPublicKey, Value: kemKey})
	}

	if rc.AltSignatureRequired {
		algID, err := AlgorithmIdentifier(rc.AltSignatureAlgorithm)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: OIDAltSignatureAlgorithm, Value: algID})
	}

	if len(rc.MerkleRoot) > 0 {
		root, err := asn1.Marshal(rc.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal merkle root: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: OIDMerkleRoot, Value: root})
	}

	if rc.SidecarURL != "" {
		url, err := asn1.MarshalWithParams(rc.SidecarURL, "ia5")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sidecar url: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: OIDSidecarURL, Value: url})
	}

	return exts, nil
}

// Sign produces the final certificate. Without hybrid material it is a single
// call to sign. With an alternate signature it signs twice: a pre-certificate
// whose TBS the alternate key signs, then the final certificate with the
// alternate signature appended as the last extension.
func (a *Assembler) Sign(template *x509.Certificate, rc *RequestContext, sign SignFunc) ([]byte, error) {
	if !rc.IsEnabled() {
		return sign(template)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	exts, err := a.Extensions(rc)
	if err != nil {
		return nil, err
	}

	tmpl := *template
	tmpl.ExtraExtensions = append(append([]pkix.Extension(nil), template.ExtraExtensions...), exts...)

	if !rc.AltSignatureRequired {
		return sign(&tmpl)
	}
	if rc.AltSigner == nil {
		return nil, models.KeyUnavailable("alternate signature", string(rc.AltSignatureAlgorithm),
			errors.New("no alternate signing key"))
	}

	preDER, err := sign(&tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to sign pre-certificate: %w", err)
	}
	pre, err := x509.ParseCertificate(preDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pre-certificate: %w", err)
	}

	altSig, err := a.altSign(rc.AltSigner, rc.AltSignatureAlgorithm, pre.RawTBSCertificate)
	if err != nil {
		return nil, models.CryptoFailure("alternate signature", string(rc.AltSignatureAlgorithm), err)
	}

	value, err := asn1.Marshal(asn1.BitString{Bytes: altSig, BitLength: len(altSig) * 8})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alternate signature: %w", err)
	}
	tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: OIDAltSignatureValue, Value: value})

	return sign(&tmpl)
}

func (a *Assembler) altSign(signer crypto.Signer, alg models.SignatureAlgorithm, msg []byte) ([]byte, error) {
	switch alg {
	case models.SignatureMLDSA:
		return signer.Sign(a.rand, msg, crypto.Hash(0))
	case models.SignatureECDSAP256, models.SignatureRSA2048, models.SignatureRSA4096:
		digest := sha256.Sum256(msg)
		return signer.Sign(a.rand, digest[:], crypto.SHA256)
	}
	return nil, fmt.Errorf("%w: %s as alternate signature", models.ErrUnsupportedAlgorithm, alg)
}
