package pki

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"

	"github.com/wolfeidau/hybridca/internal/models"
)

// ParseDN parses a comma separated distinguished name such as
// "CN=device-1,O=Acme,C=AU". Commas inside values are escaped with a backslash.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	if strings.TrimSpace(dn) == "" {
		return name, models.NewError("parse DN", models.KindInvalidInput, fmt.Errorf("distinguished name is empty"))
	}

	for _, part := range splitDN(dn) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return name, models.NewError("parse DN", models.KindInvalidInput, fmt.Errorf("malformed attribute %q", part))
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		default:
			return name, models.NewError("parse DN", models.KindInvalidInput, fmt.Errorf("unsupported attribute %q", key))
		}
	}
	return name, nil
}

func splitDN(dn string) []string {
	var (
		parts []string
		b     strings.Builder
	)
	for i := 0; i < len(dn); i++ {
		switch {
		case dn[i] == '\\' && i+1 < len(dn):
			i++
			b.WriteByte(dn[i])
		case dn[i] == ',':
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteByte(dn[i])
		}
	}
	return append(parts, b.String())
}
