package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.RevocationSnapshotStore = (*RevocationSnapshotStore)(nil)

// RevocationSnapshotStore keeps the latest revocation snapshot of each CA in memory.
type RevocationSnapshotStore struct {
	mu   sync.RWMutex
	byCA  map[uuid.UUID]*store.RevocationSnapshot
}

// NewRevocationSnapshotStore creates an empty snapshot store.
func NewRevocationSnapshotStore() *RevocationSnapshotStore {
	return &RevocationSnapshotStore{byCA: make(map[uuid.UUID]*store.RevocationSnapshot)}
}

// List returns a copy of every CA's snapshot ordered by CA name.
func (s *RevocationSnapshotStore) List(ctx context.Context) ([]*store.RevocationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.RevocationSnapshot, 0, len(s.byCA))
	for _, snap := range s.byCA {
		out = append(out, copySnapshot(snap))
	}
	slices.SortFunc(out, func(a, b *store.RevocationSnapshot) int {
		return strings.Compare(a.CAName, b.CAName)
	})
	return out, nil
}

// Save replaces the snapshot of snap.CAID.
func (s *RevocationSnapshotStore) Save(ctx context.Context, snap *store.RevocationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byCA[snap.CAID] = copySnapshot(snap)
	return nil
}

func copySnapshot(snap *store.RevocationSnapshot) *store.RevocationSnapshot {
	out := *snap
	out.Entries = slices.Clone(snap.Entries)
	return &out
}
