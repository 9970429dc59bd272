package pki

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfeidau/hybridca/internal/models"
)

// KeyRing keeps CA keys in memory. Keys are lost when the process exits, so it
// is meant for tests and single-shot tooling.
type KeyRing struct {
	mu   sync.RWMutex
	sets map[string]*keySet
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{sets: make(map[string]*keySet)}
}

// Provision generates keys for caName.
func (r *KeyRing) Provision(_ context.Context, caName string, alg, altAlg models.SignatureAlgorithm) (KeyProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sets[caName]; ok {
		return nil, models.NewError("provision keys", models.KindInvalidInput,
			fmt.Errorf("keys for authority %s already exist", caName))
	}

	ks, err := newKeySet(caName, alg, altAlg)
	if err != nil {
		return nil, err
	}
	r.sets[caName] = ks
	return ks, nil
}

// ForAuthority returns the keys provisioned for caName.
func (r *KeyRing) ForAuthority(_ context.Context, caName string) (KeyProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, ok := r.sets[caName]
	if !ok {
		return nil, models.KeyUnavailable("load keys", "", fmt.Errorf("no keys for authority %s", caName))
	}
	return ks, nil
}
