package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/mr-tron/base58"
	"github.com/wolfeidau/hybridca/internal/hybrid"
	"github.com/wolfeidau/hybridca/internal/models"
)

// KeyProvider gives a CA access to its signing keys. Private keys are only
// ever exposed as crypto.Signer so HSM backed implementations fit.
type KeyProvider interface {
	// GetSigningPrivateKey returns the primary key for alg.
	GetSigningPrivateKey(ctx context.Context, alg models.SignatureAlgorithm) (crypto.Signer, error)

	// GetAltSigningPrivateKey returns the key used for the Catalyst alternate signature.
	GetAltSigningPrivateKey(ctx context.Context, alg models.SignatureAlgorithm) (crypto.Signer, error)

	// GetPublicKey returns the public half of either key.
	GetPublicKey(ctx context.Context, alg models.SignatureAlgorithm) (crypto.PublicKey, error)

	// GetKeyAlias returns a stable identifier for the key.
	GetKeyAlias(ctx context.Context, alg models.SignatureAlgorithm) (string, error)
}

// KeyStore provisions and resolves the key providers of each CA.
type KeyStore interface {
	// Provision creates fresh keys for a new CA. altAlg is empty for a
	// classical-only CA.
	Provision(ctx context.Context, caName string, alg, altAlg models.SignatureAlgorithm) (KeyProvider, error)

	// ForAuthority returns the provider holding an existing CA's keys.
	ForAuthority(ctx context.Context, caName string) (KeyProvider, error)
}

var (
	_ KeyProvider = (*keySet)(nil)
	_ KeyStore    = (*KeyRing)(nil)
)

// CheckPrimaryAlgorithm reports whether alg can sign certificates and CRLs.
// ML-DSA is only used as the Catalyst alternate signature.
func CheckPrimaryAlgorithm(alg models.SignatureAlgorithm) error {
	switch alg {
	case models.SignatureECDSAP256, models.SignatureRSA2048, models.SignatureRSA4096:
		return nil
	case models.SignatureMLDSA:
		return &models.Error{Op: "pki", Kind: models.KindUnsupportedAlgorithm, Algorithm: string(alg),
			Err: errors.New("ML-DSA is only supported as the alternate signature")}
	}
	return &models.Error{Op: "pki", Kind: models.KindUnsupportedAlgorithm, Algorithm: string(alg),
		Err: errors.New("no signer available")}
}

// CheckAltAlgorithm reports whether alg can produce a Catalyst alternate signature.
func CheckAltAlgorithm(alg models.SignatureAlgorithm) error {
	switch alg {
	case models.SignatureMLDSA, models.SignatureECDSAP256, models.SignatureRSA2048, models.SignatureRSA4096:
		return nil
	}
	return &models.Error{Op: "pki", Kind: models.KindUnsupportedAlgorithm, Algorithm: string(alg),
		Err: errors.New("not supported as the alternate signature")}
}

// GenerateKeyPair creates a fresh signing key.
func GenerateKeyPair(alg models.SignatureAlgorithm) (crypto.Signer, error) {
	switch alg {
	case models.SignatureECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case models.SignatureRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case models.SignatureRSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	case models.SignatureMLDSA:
		_, priv, err := mldsa65.GenerateKey(rand.Reader)
		return priv, err
	}
	return nil, &models.Error{Op: "generate key", Kind: models.KindUnsupportedAlgorithm, Algorithm: string(alg),
		Err: errors.New("no key generator")}
}

// GenerateKEMKeyPair creates an ML-KEM-768 key pair.
func GenerateKEMKeyPair() (*mlkem768.PublicKey, *mlkem768.PrivateKey, error) {
	return mlkem768.GenerateKeyPair(rand.Reader)
}

// SignatureAlgorithmForKey maps a public key to the algorithm it signs with.
func SignatureAlgorithmForKey(pub crypto.PublicKey) (models.SignatureAlgorithm, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return models.SignatureECDSAP256, nil
		}
	case *rsa.PublicKey:
		switch k.N.BitLen() {
		case 2048:
			return models.SignatureRSA2048, nil
		case 4096:
			return models.SignatureRSA4096, nil
		}
	case *mldsa65.PublicKey:
		return models.SignatureMLDSA, nil
	}
	return "", fmt.Errorf("%w: key type %T", models.ErrUnsupportedAlgorithm, pub)
}

// KeyAlias derives a stable alias from the SubjectPublicKeyInfo of pub.
func KeyAlias(alg models.SignatureAlgorithm, pub crypto.PublicKey) (string, error) {
	der, err := hybrid.MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%s:%s", alg, base58.Encode(sum[:])), nil
}

// keySet is the provider shared by every KeyStore: one primary signer and an
// optional alternate signer.
type keySet struct {
	name      string
	alg       models.SignatureAlgorithm
	signer    crypto.Signer
	altAlg    models.SignatureAlgorithm
	altSigner crypto.Signer
}

func (k *keySet) GetSigningPrivateKey(_ context.Context, alg models.SignatureAlgorithm) (crypto.Signer, error) {
	if alg != k.alg || k.signer == nil {
		return nil, models.KeyUnavailable("signing key", string(alg),
			fmt.Errorf("authority %s signs with %s", k.name, k.alg))
	}
	return k.signer, nil
}

// GetAltSigningPrivateKey falls back to the primary key when the requested
// algorithm is the primary one.
func (k *keySet) GetAltSigningPrivateKey(ctx context.Context, alg models.SignatureAlgorithm) (crypto.Signer, error) {
	if k.altSigner != nil && alg == k.altAlg {
		return k.altSigner, nil
	}
	if alg == k.alg {
		return k.GetSigningPrivateKey(ctx, alg)
	}
	return nil, models.KeyUnavailable("alternate signing key", string(alg),
		fmt.Errorf("authority %s has no %s key", k.name, alg))
}

func (k *keySet) GetPublicKey(ctx context.Context, alg models.SignatureAlgorithm) (crypto.PublicKey, error) {
	signer, err := k.GetAltSigningPrivateKey(ctx, alg)
	if err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

func (k *keySet) GetKeyAlias(ctx context.Context, alg models.SignatureAlgorithm) (string, error) {
	pub, err := k.GetPublicKey(ctx, alg)
	if err != nil {
		return "", err
	}
	return KeyAlias(alg, pub)
}

func newKeySet(name string, alg, altAlg models.SignatureAlgorithm) (*keySet, error) {
	if err := CheckPrimaryAlgorithm(alg); err != nil {
		return nil, err
	}
	signer, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, models.CryptoFailure("generate key", string(alg), err)
	}
	ks := &keySet{name: name, alg: alg, signer: signer}
	if altAlg == "" {
		return ks, nil
	}
	if err := CheckAltAlgorithm(altAlg); err != nil {
		return nil, err
	}
	if ks.altSigner, err = GenerateKeyPair(altAlg); err != nil {
		return nil, models.CryptoFailure("generate key", string(altAlg), err)
	}
	ks.altAlg = altAlg
	return ks, nil
}
