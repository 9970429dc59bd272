package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
)

// kmsAPI is the subset of the KMS client used by KMSKeyStore.
type kmsAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

var _ KeyStore = (*KMSKeyStore)(nil)

// KMSKeyStore keeps each CA's primary signing key in AWS KMS. The private key
// never leaves the KMS HSM - only signing operations are performed. KMS has no
// ML-DSA support, so alternate keys are kept in a FileKeyStore.
type KMSKeyStore struct {
	client kmsAPI
	alt    *FileKeyStore
}

// NewKMSKeyStore creates a KMS backed key store. altDir holds the alternate
// ML-DSA keys.
func NewKMSKeyStore(awsConfig aws.Config, altDir string) (*KMSKeyStore, error) {
	alt, err := NewFileKeyStore(altDir)
	if err != nil {
		return nil, err
	}
	return &KMSKeyStore{client: kms.NewFromConfig(awsConfig), alt: alt}, nil
}

// KMSAlias is the alias naming the KMS key of a CA.
func KMSAlias(caName string) string {
	return "alias/hybridca/" + caName
}

func kmsKeySpec(alg models.SignatureAlgorithm) (types.KeySpec, error) {
	switch alg {
	case models.SignatureECDSAP256:
		return types.KeySpecEccNistP256, nil
	case models.SignatureRSA2048:
		return types.KeySpecRsa2048, nil
	case models.SignatureRSA4096:
		return types.KeySpecRsa4096, nil
	}
	return "", CheckPrimaryAlgorithm(alg)
}

// Provision creates a KMS signing key and alias for caName.
func (s *KMSKeyStore) Provision(ctx context.Context, caName string, alg, altAlg models.SignatureAlgorithm) (KeyProvider, error) {
	spec, err := kmsKeySpec(alg)
	if err != nil {
		return nil, err
	}

	out, err := s.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:     spec,
		KeyUsage:    types.KeyUsageTypeSignVerify,
		Description: aws.String(fmt.Sprintf("hybridca signing key for %s", caName)),
	})
	if err != nil {
		return nil, models.CryptoFailure("create KMS key", string(alg), err)
	}
	keyID := aws.ToString(out.KeyMetadata.KeyId)

	if _, err := s.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(KMSAlias(caName)),
		TargetKeyId: aws.String(keyID),
	}); err != nil {
		return nil, models.CryptoFailure("create KMS alias", string(alg), err)
	}

	log.Info().
		Str("ca_name", caName).
		Str("kms_key_id", keyID).
		Str("algorithm", string(alg)).
		Msg("Created KMS key for CA signing")

	ks, err := s.keySet(ctx, caName, KMSAlias(caName))
	if err != nil {
		return nil, err
	}

	if altAlg != "" {
		if ks.altSigner, err = s.alt.provisionAlt(caName, altAlg); err != nil {
			return nil, err
		}
		ks.altAlg = altAlg
	}
	return ks, nil
}

// ForAuthority resolves the KMS key of caName through its alias.
func (s *KMSKeyStore) ForAuthority(ctx context.Context, caName string) (KeyProvider, error) {
	ks, err := s.keySet(ctx, caName, KMSAlias(caName))
	if err != nil {
		return nil, err
	}
	if ks.altSigner, ks.altAlg, err = s.alt.loadAlt(caName); err != nil {
		return nil, err
	}
	return ks, nil
}

func (s *KMSKeyStore) keySet(ctx context.Context, caName, keyID string) (*keySet, error) {
	signer, err := newKMSSigner(ctx, s.client, keyID)
	if err != nil {
		return nil, models.KeyUnavailable("load keys", "", err)
	}
	alg, err := SignatureAlgorithmForKey(signer.Public())
	if err != nil {
		return nil, models.KeyUnavailable("load keys", "", err)
	}
	return &keySet{name: caName, alg: alg, signer: signer}, nil
}

// kmsSigner implements crypto.Signer using AWS KMS
type kmsSigner struct {
	client    kmsAPI
	keyID     string
	publicKey crypto.PublicKey
	ctx       context.Context
}

func newKMSSigner(ctx context.Context, client kmsAPI, keyID string) (*kmsSigner, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("KMS key is not ECDSA or RSA (got %T)", pub)
	}

	return &kmsSigner{client: client, keyID: keyID, publicKey: pub, ctx: ctx}, nil
}

// Public returns the public key
func (k *kmsSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign signs the digest using AWS KMS
func (k *kmsSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	// x509.CreateCertificate and CreateRevocationList hand us a SHA-256 digest
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("KMS signer only supports SHA256, got %v", opts.HashFunc())
	}

	var alg types.SigningAlgorithmSpec
	switch k.publicKey.(type) {
	case *ecdsa.PublicKey:
		alg = types.SigningAlgorithmSpecEcdsaSha256
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, fmt.Errorf("KMS signer does not support RSA-PSS")
		}
		alg = types.SigningAlgorithmSpecRsassaPkcs1V15Sha256
	}

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign operation failed: %w", err)
	}

	if alg != types.SigningAlgorithmSpecEcdsaSha256 {
		return out.Signature, nil
	}

	// Normalise the DER ECDSA signature (SEQUENCE of r and s) before handing
	// it back to crypto/x509.
	var ecdsaSig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(out.Signature, &ecdsaSig); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	signature, err := asn1.Marshal(ecdsaSig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature: %w", err)
	}
	return signature, nil
}
