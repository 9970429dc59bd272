package policy

import (
	"fmt"
	"strings"

	"github.com/wolfeidau/hybridca/internal/models"
)

// DefaultPolicy returns the baseline policy seeded for a certificate type when
// no policy document is configured.
func DefaultPolicy(certType models.CertificateType) *models.CertificatePolicy {
	return &models.CertificatePolicy{
		ID:              fmt.Sprintf("default-%s", strings.ToLower(string(certType))),
		Name:            fmt.Sprintf("Default %s policy", certType),
		CertificateType: certType,
		Version:         1,
		Enabled:         true,
		Crypto: models.CryptographicRule{
			SignatureAlgorithms: []models.SignatureAlgorithm{
				models.SignatureSM2,
				models.SignatureMLDSA,
				models.SignatureRSA2048,
				models.SignatureECDSAP256,
			},
			KEMAlgorithms:          []models.KEMAlgorithm{models.KEMMLKEM, models.KEMRSAKEM},
			MinKeyLength:           2048,
			RequireHybridSignature: true,
		},
		Validity: models.ValidityPeriodRule{MinDays: 1, MaxDays: 365},
		Subject:  models.SubjectDNRule{RequiredAttributes: []string{"CN", "O"}},
	}
}

// DefaultPolicies returns a default policy for every certificate type.
func DefaultPolicies() []*models.CertificatePolicy {
	types := []models.CertificateType{
		models.CertificateTypeDevice,
		models.CertificateTypePlatform,
		models.CertificateTypeCA,
		models.CertificateTypeIntermediate,
	}
	out := make([]*models.CertificatePolicy, 0, len(types))
	for _, t := range types {
		p := DefaultPolicy(t)
		if t.IsCA() {
			p.Validity.MaxDays = 3650
		}
		out = append(out, p)
	}
	return out
}
