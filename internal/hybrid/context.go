package hybrid

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/wolfeidau/hybridca/internal/models"
)

// MerkleRootSize is the length of a Merkle root commitment.
const MerkleRootSize = 32

// RequestContext carries the hybrid material for a single issuance call. It
// is never persisted and AltSigner is only set while signing.
type RequestContext struct {
	Enabled               bool
	PQCSignaturePublicKey crypto.PublicKey
	PQCKEMPublicKey       crypto.PublicKey
	SignatureProof        []byte
	KEMProof              []byte
	AltSignatureAlgorithm models.SignatureAlgorithm // defaults to the primary algorithm
	AltSignatureRequired  bool
	MerkleRoot            []byte
	SidecarURL            string
	AltSigner             crypto.Signer
}

// Validate checks the context is usable for issuance.
func (rc *RequestContext) Validate() error {
	if rc == nil || !rc.Enabled {
		return nil
	}
	if rc.PQCSignaturePublicKey == nil {
		return models.NewError("hybrid", models.KindHybridConsistency,
			errors.New("hybrid request without a PQC signature public key"))
	}
	if len(rc.MerkleRoot) != 0 && len(rc.MerkleRoot) != MerkleRootSize {
		return models.NewError("hybrid", models.KindInvalidInput,
			fmt.Errorf("merkle root must be %d bytes, got %d", MerkleRootSize, len(rc.MerkleRoot)))
	}
	return nil
}

// IsEnabled reports whether hybrid assembly applies.
func (rc *RequestContext) IsEnabled() bool {
	return rc != nil && rc.Enabled
}

// Fields returns the hybrid material recorded on the issued certificate.
func (rc *RequestContext) Fields() (*models.HybridFields, error) {
	if !rc.IsEnabled() {
		return nil, nil
	}
	fields := &models.HybridFields{
		MerkleRoot: append([]byte(nil), rc.MerkleRoot...),
		SidecarURL: rc.SidecarURL,
	}
	if rc.AltSignatureRequired {
		fields.AltSignatureAlgorithm = rc.AltSignatureAlgorithm
	}

	var err error
	if fields.PQCSignaturePublicKeyPEM, err = PublicKeyPEM(rc.PQCSignaturePublicKey); err != nil {
		return nil, err
	}
	if rc.PQCKEMPublicKey != nil {
		if fields.PQCKEMPublicKeyPEM, err = PublicKeyPEM(rc.PQCKEMPublicKey); err != nil {
			return nil, err
		}
	}
	return fields, nil
}
