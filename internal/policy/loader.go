package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/hybridca/internal/models"
)

// Document is the YAML layout of a policy file.
type Document struct {
	Policies []*models.CertificatePolicy `yaml:"policies"`
}

// LoadFile reads and validates a YAML policy document.
func LoadFile(path string) ([]*models.CertificatePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// Load decodes a YAML policy document. Algorithm and certificate type names
// accept the same aliases as the CLI.
func Load(r io.Reader) ([]*models.CertificatePolicy, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}

	for _, p := range doc.Policies {
		if err := normalize(p); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
	}
	return doc.Policies, nil
}

func normalize(p *models.CertificatePolicy) error {
	certType, err := models.ParseCertificateType(string(p.CertificateType))
	if err != nil {
		return err
	}
	p.CertificateType = certType

	for i, alg := range p.Crypto.SignatureAlgorithms {
		parsed, err := models.ParseSignatureAlgorithm(string(alg))
		if err != nil {
			return err
		}
		p.Crypto.SignatureAlgorithms[i] = parsed
	}
	for i, kem := range p.Crypto.KEMAlgorithms {
		parsed, err := models.ParseKEMAlgorithm(string(kem))
		if err != nil {
			return err
		}
		p.Crypto.KEMAlgorithms[i] = parsed
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return nil
}
