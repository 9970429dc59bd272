package pki

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
)

// PKCS#10 structures. Only the ML-DSA path needs them; crypto/x509 handles
// classical requests.
type certificationRequest struct {
	TBSCSR             asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type tbsCertificationRequest struct {
	Raw           asn1.RawContent
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type pkcs10Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// CSRParser decodes certificate signing requests signed with ECDSA, RSA or
// ML-DSA-65.
type CSRParser struct{}

// NewCSRParser creates a parser.
func NewCSRParser() *CSRParser {
	return &CSRParser{}
}

// Parse accepts PEM or DER. A request whose signature does not verify is still
// returned, with SignatureValid false.
func (p *CSRParser) Parse(data []byte) (*models.ParsedCSR, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
			return nil, invalidCSR(fmt.Errorf("unexpected PEM type %q", block.Type))
		}
		der = block.Bytes
	}

	var outer certificationRequest
	rest, err := asn1.Unmarshal(der, &outer)
	if err != nil {
		return nil, invalidCSR(err)
	}
	if len(rest) > 0 {
		return nil, invalidCSR(fmt.Errorf("trailing data after request"))
	}

	var parsed *models.ParsedCSR
	if outer.SignatureAlgorithm.Algorithm.Equal(hybrid.OIDMLDSA65) {
		parsed, err = parsePQRequest(&outer)
	} else {
		parsed, err = parseClassicalRequest(der)
	}
	if err != nil {
		return nil, err
	}

	parsed.Raw = der
	if err := fillHybridAttributes(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// VerifySignature re-checks the self-signature of a parsed request.
func (p *CSRParser) VerifySignature(csr *models.ParsedCSR) bool {
	parsed, err := p.Parse(csr.Raw)
	if err != nil {
		return false
	}
	return parsed.SignatureValid
}

func parseClassicalRequest(der []byte) (*models.ParsedCSR, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, invalidCSR(err)
	}
	return &models.ParsedCSR{
		SubjectDN:          csr.Subject.String(),
		RawSubject:         csr.RawSubject,
		PublicKey:          csr.PublicKey,
		PublicKeyAlgorithm: hybrid.KeyAlgorithm(csr.PublicKey),
		SignatureValid:     csr.CheckSignature() == nil,
		Extensions:         csr.Extensions,
	}, nil
}

func parsePQRequest(outer *certificationRequest) (*models.ParsedCSR, error) {
	var tbs tbsCertificationRequest
	if _, err := asn1.Unmarshal(outer.TBSCSR.FullBytes, &tbs); err != nil {
		return nil, invalidCSR(err)
	}

	pub, err := hybrid.ParsePublicKey(tbs.PublicKey.FullBytes)
	if err != nil {
		return nil, invalidCSR(err)
	}
	mldsaPub, ok := pub.(*mldsa65.PublicKey)
	if !ok {
		return nil, invalidCSR(fmt.Errorf("ML-DSA signed request carries a %s key", hybrid.KeyAlgorithm(pub)))
	}

	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(tbs.Subject.FullBytes, &rdn); err != nil {
		return nil, invalidCSR(fmt.Errorf("subject: %w", err))
	}
	var subject pkix.Name
	subject.FillFromRDNSequence(&rdn)

	exts, err := parseExtensionRequest(tbs.RawAttributes)
	if err != nil {
		return nil, err
	}

	return &models.ParsedCSR{
		SubjectDN:          subject.String(),
		RawSubject:         tbs.Subject.FullBytes,
		PublicKey:          mldsaPub,
		PublicKeyAlgorithm: hybrid.KeyAlgorithm(mldsaPub),
		SignatureValid:     mldsa65.Scheme().Verify(mldsaPub, outer.TBSCSR.FullBytes, outer.SignatureValue.RightAlign(), nil),
		Extensions:         exts,
	}, nil
}

func parseExtensionRequest(attrs []asn1.RawValue) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	for _, raw := range attrs {
		var attr pkcs10Attribute
		if _, err := asn1.Unmarshal(raw.FullBytes, &attr); err != nil {
			return nil, invalidCSR(fmt.Errorf("attribute: %w", err))
		}
		if !attr.Type.Equal(hybrid.OIDExtensionRequest) || len(attr.Values) == 0 {
			continue
		}
		var reqExts []pkix.Extension
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &reqExts); err != nil {
			return nil, invalidCSR(fmt.Errorf("extension request: %w", err))
		}
		exts = append(exts, reqExts...)
	}
	return exts, nil
}

func fillHybridAttributes(csr *models.ParsedCSR) error {
	for _, ext := range csr.Extensions {
		switch {
		case ext.Id.Equal(hybrid.OIDAttrPQCSignaturePublicKey):
			pemData, err := spkiToPEM(ext.Value)
			if err != nil {
				return invalidCSR(fmt.Errorf("PQC signature key: %w", err))
			}
			csr.PQCSignaturePublicKeyPEM = pemData
		case ext.Id.Equal(hybrid.OIDAttrPQCKEMPublicKey):
			pemData, err := spkiToPEM(ext.Value)
			if err != nil {
				return invalidCSR(fmt.Errorf("PQC KEM key: %w", err))
			}
			csr.PQCKEMPublicKeyPEM = pemData
		case ext.Id.Equal(hybrid.OIDAttrPQCSignatureValue):
			csr.PQCSignatureValue = unwrapOctets(ext.Value)
		case ext.Id.Equal(hybrid.OIDAttrPQCKEMProof):
			csr.PQCKEMProof = unwrapOctets(ext.Value)
		}
	}
	return nil
}

func spkiToPEM(der []byte) (string, error) {
	pub, err := hybrid.ParsePublicKey(der)
	if err != nil {
		return "", err
	}
	return hybrid.PublicKeyPEM(pub)
}

// unwrapOctets returns the contents of an OCTET STRING, or the value as is
// when it is not one.
func unwrapOctets(value []byte) []byte {
	var out []byte
	if rest, err := asn1.Unmarshal(value, &out); err == nil && len(rest) == 0 {
		return out
	}
	return bytes.Clone(value)
}

func invalidCSR(err error) error {
	return models.NewError("parse CSR", models.KindInvalidInput, err)
}

// CreatePQCertificateRequest builds a PKCS#10 request self-signed with an
// ML-DSA-65 key. exts are carried in the extensionRequest attribute.
func CreatePQCertificateRequest(rand io.Reader, subject pkix.Name, key *mldsa65.PrivateKey, exts []pkix.Extension) ([]byte, error) {
	subjectDER, err := asn1.Marshal(subject.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subject: %w", err)
	}
	spki, err := hybrid.MarshalPublicKey(key.Public())
	if err != nil {
		return nil, err
	}

	attrs := []asn1.RawValue{}
	if len(exts) > 0 {
		extsDER, err := asn1.Marshal(exts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal extensions: %w", err)
		}
		attrDER, err := asn1.Marshal(pkcs10Attribute{
			Type:   hybrid.OIDExtensionRequest,
			Values: []asn1.RawValue{{FullBytes: extsDER}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal extension request: %w", err)
		}
		attrs = append(attrs, asn1.RawValue{FullBytes: attrDER})
	}

	tbsDER, err := asn1.Marshal(tbsCertificationRequest{
		Subject:       asn1.RawValue{FullBytes: subjectDER},
		PublicKey:     asn1.RawValue{FullBytes: spki},
		RawAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request info: %w", err)
	}

	sig, err := key.Sign(rand, tbsDER, crypto.Hash(0))
	if err != nil {
		return nil, models.CryptoFailure("sign CSR", string(models.SignatureMLDSA), err)
	}

	return asn1.Marshal(certificationRequest{
		TBSCSR:             asn1.RawValue{FullBytes: tbsDER},
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: hybrid.OIDMLDSA65},
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	})
}

// CSRPEM encodes a DER request as PEM.
func CSRPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}
