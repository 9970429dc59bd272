package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
)

const mldsaPrivateKeyPEMType = "ML-DSA-65 PRIVATE KEY"

var _ KeyStore = (*FileKeyStore)(nil)

// FileKeyStore keeps CA keys as PEM files in a directory. Classical keys are
// PKCS#8, ML-DSA keys use their raw encoding. This is intended for local
// development only - not for production use.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates a key store rooted at dir, creating it if needed.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

func (s *FileKeyStore) primaryPath(caName string) string {
	return filepath.Join(s.dir, caName+".key.pem")
}

func (s *FileKeyStore) altPath(caName string) string {
	return filepath.Join(s.dir, caName+".alt.key.pem")
}

// Provision generates keys for caName and writes them with mode 0600.
func (s *FileKeyStore) Provision(_ context.Context, caName string, alg, altAlg models.SignatureAlgorithm) (KeyProvider, error) {
	if fileExists(s.primaryPath(caName)) {
		return nil, models.NewError("provision keys", models.KindInvalidInput,
			fmt.Errorf("keys for authority %s already exist", caName))
	}

	ks, err := newKeySet(caName, alg, altAlg)
	if err != nil {
		return nil, err
	}

	if err := savePrivateKey(s.primaryPath(caName), ks.signer); err != nil {
		return nil, err
	}
	if ks.altSigner != nil {
		if err := savePrivateKey(s.altPath(caName), ks.altSigner); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("ca_name", caName).
		Str("algorithm", string(alg)).
		Str("alt_algorithm", string(altAlg)).
		Str("path_key", s.primaryPath(caName)).
		Msg("Generated and saved CA keys")

	return ks, nil
}

// ForAuthority loads the keys for caName from disk.
func (s *FileKeyStore) ForAuthority(_ context.Context, caName string) (KeyProvider, error) {
	signer, err := loadPrivateKey(s.primaryPath(caName))
	if err != nil {
		return nil, models.KeyUnavailable("load keys", "", err)
	}
	alg, err := SignatureAlgorithmForKey(signer.Public())
	if err != nil {
		return nil, models.KeyUnavailable("load keys", "", err)
	}

	ks := &keySet{name: caName, alg: alg, signer: signer}

	altSigner, altAlg, err := s.loadAlt(caName)
	if err != nil {
		return nil, err
	}
	ks.altSigner, ks.altAlg = altSigner, altAlg
	return ks, nil
}

// provisionAlt generates and saves only the alternate key. Used by stores
// whose primary key lives elsewhere.
func (s *FileKeyStore) provisionAlt(caName string, altAlg models.SignatureAlgorithm) (crypto.Signer, error) {
	if err := CheckAltAlgorithm(altAlg); err != nil {
		return nil, err
	}
	signer, err := GenerateKeyPair(altAlg)
	if err != nil {
		return nil, models.CryptoFailure("generate key", string(altAlg), err)
	}
	if err := savePrivateKey(s.altPath(caName), signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// loadAlt returns a nil signer when the CA has no alternate key.
func (s *FileKeyStore) loadAlt(caName string) (crypto.Signer, models.SignatureAlgorithm, error) {
	path := s.altPath(caName)
	if !fileExists(path) {
		return nil, "", nil
	}
	signer, err := loadPrivateKey(path)
	if err != nil {
		return nil, "", models.KeyUnavailable("load keys", "", err)
	}
	alg, err := SignatureAlgorithmForKey(signer.Public())
	if err != nil {
		return nil, "", models.KeyUnavailable("load keys", "", err)
	}
	return signer, alg, nil
}

func savePrivateKey(path string, key crypto.Signer) error {
	var block *pem.Block
	switch k := key.(type) {
	case *mldsa65.PrivateKey:
		raw, err := k.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal private key: %w", err)
		}
		block = &pem.Block{Type: mldsaPrivateKeyPEMType, Bytes: raw}
	default:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return fmt.Errorf("failed to marshal private key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}

	switch block.Type {
	case mldsaPrivateKeyPEMType:
		key := new(mldsa65.PrivateKey)
		if err := key.UnmarshalBinary(block.Bytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA private key: %w", err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("private key of type %T cannot sign", key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unsupported key PEM type %q", block.Type)
}

// VerifyCertKeyPair checks that a certificate's public key matches a key
// held by a provider.
func VerifyCertKeyPair(cert *x509.Certificate, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate public key is not ECDSA")
		}
		if !k.Equal(certPub) {
			return fmt.Errorf("public keys do not match")
		}
	case *rsa.PublicKey:
		certPub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate public key is not RSA")
		}
		if !k.Equal(certPub) {
			return fmt.Errorf("public keys do not match")
		}
	default:
		return errors.New("unsupported CA key type")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
