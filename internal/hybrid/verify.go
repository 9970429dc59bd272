package hybrid

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/wolfeidau/hybridca/internal/models"
)

var extensionsTag = cbasn1.Tag(3).Constructed().ContextSpecific()

// ErrAltSignatureInvalid is returned when the alternate signature does not verify.
var ErrAltSignatureInvalid = errors.New("alternate signature verification failed")

// VerifyAltSignature checks the Catalyst alternate signature of cert against
// altPub. The signed message is the certificate's TBS with the alternate
// signature value extension removed.
func VerifyAltSignature(cert *x509.Certificate, altPub crypto.PublicKey) error {
	alg, err := ExtractAltSignatureAlgorithm(cert)
	if err != nil {
		return fmt.Errorf("alternate signature algorithm: %w", err)
	}
	sig, err := ExtractAltSignatureValue(cert)
	if err != nil {
		return fmt.Errorf("alternate signature value: %w", err)
	}
	tbs, err := StripAltSignature(cert.RawTBSCertificate)
	if err != nil {
		return err
	}
	return verify(alg, altPub, tbs, sig)
}

func verify(alg models.SignatureAlgorithm, pub crypto.PublicKey, msg, sig []byte) error {
	switch alg {
	case models.SignatureMLDSA:
		pk, ok := pub.(*mldsa65.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected ML-DSA-65 key, got %T", ErrAltSignatureInvalid, pub)
		}
		if !mldsa65.Scheme().Verify(pk, msg, sig, nil) {
			return ErrAltSignatureInvalid
		}
		return nil
	case models.SignatureECDSAP256:
		pk, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected ECDSA key, got %T", ErrAltSignatureInvalid, pub)
		}
		digest := sha256.Sum256(msg)
		if !ecdsa.VerifyASN1(pk, digest[:], sig) {
			return ErrAltSignatureInvalid
		}
		return nil
	case models.SignatureRSA2048, models.SignatureRSA4096:
		pk, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected RSA key, got %T", ErrAltSignatureInvalid, pub)
		}
		digest := sha256.Sum256(msg)
		if err := rsa.VerifyPKCS1v15(pk, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrAltSignatureInvalid, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrUnsupportedAlgorithm, alg)
}

// StripAltSignature re-encodes a TBSCertificate without the alternate
// signature value extension. Every other element is copied byte for byte.
func StripAltSignature(tbs []byte) ([]byte, error) {
	input := cryptobyte.String(tbs)
	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("malformed TBSCertificate")
	}

	found := false
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for !body.Empty() {
			var elem cryptobyte.String
			var tag cbasn1.Tag
			if !body.ReadAnyASN1Element(&elem, &tag) {
				b.SetError(errors.New("malformed TBSCertificate element"))
				return
			}
			if tag != extensionsTag {
				b.AddBytes(elem)
				continue
			}

			kept, removed, err := filterExtensions(elem)
			if err != nil {
				b.SetError(err)
				return
			}
			found = removed
			if len(kept) == 0 {
				continue
			}
			b.AddASN1(extensionsTag, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, ext := range kept {
						b.AddBytes(ext)
					}
				})
			})
		}
	})

	out, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("alternate signature value: %w", ErrExtensionNotFound)
	}
	return out, nil
}

func filterExtensions(elem cryptobyte.String) ([][]byte, bool, error) {
	var wrapped, exts cryptobyte.String
	if !elem.ReadASN1(&wrapped, extensionsTag) || !wrapped.ReadASN1(&exts, cbasn1.SEQUENCE) {
		return nil, false, errors.New("malformed extensions")
	}

	var kept [][]byte
	removed := false
	for !exts.Empty() {
		var raw cryptobyte.String
		if !exts.ReadASN1Element(&raw, cbasn1.SEQUENCE) {
			return nil, false, errors.New("malformed extension")
		}
		var ext pkix.Extension
		if _, err := asn1.Unmarshal(raw, &ext); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal extension: %w", err)
		}
		if ext.Id.Equal(OIDAltSignatureValue) {
			removed = true
			continue
		}
		kept = append(kept, raw)
	}
	return kept, removed, nil
}

// CheckDualCSR accepts a classical and a post-quantum CSR for one hybrid
// application only when both signatures verify and the subjects are
// byte-identical.
func CheckDualCSR(classical, pq *models.ParsedCSR) error {
	if classical == nil || pq == nil {
		return models.NewError("dual csr", models.KindHybridConsistency, errors.New("both CSRs are required"))
	}
	if !classical.SignatureValid {
		return models.NewError("dual csr", models.KindHybridConsistency, errors.New("classical CSR signature is invalid"))
	}
	if !pq.SignatureValid {
		return models.NewError("dual csr", models.KindHybridConsistency, errors.New("post-quantum CSR signature is invalid"))
	}
	if !bytes.Equal(classical.RawSubject, pq.RawSubject) {
		return models.NewError("dual csr", models.KindHybridConsistency,
			fmt.Errorf("subject mismatch: %q and %q", classical.SubjectDN, pq.SubjectDN))
	}
	return nil
}
