// Package authn validates certificate applicants before issuance.
package authn

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidToken     = errors.New("invalid identity token")
	ErrUnknownApplicant = errors.New("unknown applicant")
)

// IdentityProvider verifies applicant identity tokens and resolves applicants.
type IdentityProvider interface {
	// VerifyToken validates the token and returns its subject.
	VerifyToken(ctx context.Context, token string) (string, error)
	Applicant(ctx context.Context, applicantID string) (*models.Applicant, error)
}

// Directory resolves applicant records.
type Directory interface {
	Applicant(ctx context.Context, applicantID string) (*models.Applicant, error)
}

var (
	_ IdentityProvider = (*JWTIdentityProvider)(nil)
	_ Directory        = (*StaticDirectory)(nil)
)

// JWTIdentityProvider accepts ES256 or RS256 tokens signed by a single key.
type JWTIdentityProvider struct {
	key       crypto.PublicKey
	method    jwt.SigningMethod
	issuer    string
	directory Directory
}

// NewJWTIdentityProvider parses the verification key from PEM. The signing
// method follows the key type.
func NewJWTIdentityProvider(publicKeyPEM, issuer string, directory Directory) (*JWTIdentityProvider, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	p := &JWTIdentityProvider{issuer: issuer, directory: directory}
	if ecKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM)); err == nil {
		p.key, p.method = ecKey, jwt.SigningMethodES256
		return p, nil
	}
	rsaKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}
	p.key, p.method = rsaKey, jwt.SigningMethodRS256
	return p, nil
}

// VerifyToken checks signature, expiry and issuer, and returns the subject claim.
func (p *JWTIdentityProvider) VerifyToken(ctx context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{p.method.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return p.key, nil
	}, opts...)
	if err != nil {
		log.Debug().Err(err).Msg("JWT parse error")
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Applicant looks the applicant up in the configured directory.
func (p *JWTIdentityProvider) Applicant(ctx context.Context, applicantID string) (*models.Applicant, error) {
	if p.directory == nil {
		return &models.Applicant{ID: applicantID, Active: true}, nil
	}
	return p.directory.Applicant(ctx, applicantID)
}

// StaticDirectory is a fixed set of applicants.
type StaticDirectory struct {
	mu         sync.RWMutex
	applicants map[string]models.Applicant
}

// NewStaticDirectory creates a directory holding applicants.
func NewStaticDirectory(applicants ...models.Applicant) *StaticDirectory {
	d := &StaticDirectory{applicants: make(map[string]models.Applicant, len(applicants))}
	for _, a := range applicants {
		d.applicants[a.ID] = a
	}
	return d
}

type applicantDoc struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
	Organization string `yaml:"organization"`
	Active       *bool  `yaml:"active"`
}

// LoadDirectoryFile reads a YAML list of applicants. Applicants are active
// unless marked otherwise.
func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read applicant directory: %w", err)
	}

	var docs []applicantDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse applicant directory: %w", err)
	}

	d := NewStaticDirectory()
	for _, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("%w: applicant without id", models.ErrInvalidInput)
		}
		d.Add(models.Applicant{
			ID:           doc.ID,
			Name:         doc.Name,
			Email:        doc.Email,
			Organization: doc.Organization,
			Active:       doc.Active == nil || *doc.Active,
		})
	}
	return d, nil
}

// Add registers or replaces an applicant.
func (d *StaticDirectory) Add(a models.Applicant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applicants[a.ID] = a
}

// Applicant returns a copy of the applicant record.
func (d *StaticDirectory) Applicant(_ context.Context, applicantID string) (*models.Applicant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.applicants[applicantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplicant, applicantID)
	}
	return &a, nil
}
