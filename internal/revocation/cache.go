// Package revocation keeps the in-memory revocation status cache and runs the
// CRL generation cycle that rebuilds it.
package revocation

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MissingPolicy decides the answer given while no snapshot is loaded.
type MissingPolicy int

const (
	// FailOpen reports every serial as not revoked.
	FailOpen MissingPolicy = iota
	// FailClosed reports every serial as revoked.
	FailClosed
)

// ParseMissingPolicy accepts "open" or "closed".
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(s) {
	case "", "open", "fail-open":
		return FailOpen, nil
	case "closed", "fail-closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("%w: missing cache policy %q", models.ErrInvalidInput, s)
}

// Snapshot is the immutable revocation state of one CA, built from one CRL.
type Snapshot struct {
	CAID      uuid.UUID
	CAName    string
	Metadata  models.CRLMetadata
	UpdatedAt time.Time
	revoked   map[string]models.RevokedEntry
}

// generation is what readers load: every CA's snapshot plus the CAs the
// cache is expected to hold. It is never modified after it is published.
type generation struct {
	byCA     map[uuid.UUID]*Snapshot
	expected map[uuid.UUID]string
}

// complete reports whether every expected CA has a snapshot. Without
// expectations one loaded CA is enough.
func (g *generation) complete() bool {
	if g == nil || len(g.byCA) == 0 {
		return false
	}
	for id := range g.expected {
		if _, ok := g.byCA[id]; !ok {
			return false
		}
	}
	return true
}

// only returns the snapshot when exactly one CA is loaded.
func (g *generation) only() (*Snapshot, bool) {
	if g == nil || len(g.byCA) != 1 {
		return nil, false
	}
	for _, snap := range g.byCA {
		return snap, true
	}
	return nil, false
}

// find returns the snapshot of the CA whose CRL lists serial.
func (g *generation) find(serial string) (*Snapshot, models.RevokedEntry, bool) {
	if g == nil {
		return nil, models.RevokedEntry{}, false
	}
	key := NormalizeSerial(serial)
	for _, snap := range g.byCA {
		if e, ok := snap.revoked[key]; ok {
			return snap, e, true
		}
	}
	return nil, models.RevokedEntry{}, false
}

// CAStats summarises the snapshot of one CA.
type CAStats struct {
	CAID         uuid.UUID
	CAName       string
	Loaded       bool
	RevokedCount int
	CRLNumber    int64
	ThisUpdate   time.Time
	NextUpdate   time.Time
	UpdatedAt    time.Time
	Expired      bool
	NeedsUpdate  bool
}

// Stats summarises the cache. Loaded is false while any expected CA has no
// snapshot; Expired and NeedsUpdate are true when they hold for any CA.
type Stats struct {
	Loaded       bool
	RevokedCount int
	Expired      bool
	NeedsUpdate  bool
	// NextUpdate is the earliest nextUpdate across loaded CAs.
	NextUpdate time.Time
	CAs        []CAStats
}

// Status is the answer for one serial, taken from a single generation.
type Status struct {
	Revoked bool
	// Found is set when a loaded CRL lists the serial; Entry and the CA
	// fields then describe that listing.
	Found     bool
	Entry     models.RevokedEntry
	CAID      uuid.UUID
	CAName    string
	CRLNumber int64
}

// Cache answers revocation status queries from the latest CRL of every CA.
// Readers never lock; writers build a new generation and publish it with a
// single swap, so a reader sees either all or none of a CRL.
type Cache struct {
	current atomic.Pointer[generation]
	writeMu sync.Mutex
	missing MissingPolicy
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache(missing MissingPolicy) *Cache {
	return &Cache{missing: missing, now: time.Now}
}

// NormalizeSerial folds a hex serial to lower case without leading zeros.
func NormalizeSerial(serial string) string {
	s := strings.ToLower(strings.TrimSpace(serial))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

func (c *Cache) lookup(gen *generation, serial string) Status {
	snap, entry, found := gen.find(serial)
	if found {
		return Status{
			Revoked:   true,
			Found:     true,
			Entry:     entry,
			CAID:      snap.CAID,
			CAName:    snap.CAName,
			CRLNumber: snap.Metadata.Number,
		}
	}
	st := Status{Revoked: !gen.complete() && c.missing == FailClosed}
	if only, ok := gen.only(); ok {
		st.CAID, st.CAName, st.CRLNumber = only.CAID, only.CAName, only.Metadata.Number
	}
	return st
}

// Lookup answers for serial from one generation, so the verdict, the entry
// and the CRL number always agree.
func (c *Cache) Lookup(ctx context.Context, serial string) Status {
	gen := c.current.Load()
	st := c.lookup(gen, serial)
	c.record(ctx, gen, 1)
	return st
}

// IsRevoked reports whether serial appears in a loaded CRL. Unknown serials
// are not revoked unless a CA is missing and the cache fails closed.
func (c *Cache) IsRevoked(ctx context.Context, serial string) bool {
	return c.Lookup(ctx, serial).Revoked
}

// BatchCheck answers for every input serial against one generation.
func (c *Cache) BatchCheck(ctx context.Context, serials []string) map[string]bool {
	gen := c.current.Load()
	out := make(map[string]bool, len(serials))
	for _, serial := range serials {
		out[serial] = c.lookup(gen, serial).Revoked
	}
	c.record(ctx, gen, int64(len(serials)))
	return out
}

func (c *Cache) record(ctx context.Context, gen *generation, n int64) {
	telemetry.GetMetrics().RevocationChecksTotal.Add(ctx, n, metric.WithAttributes(
		attribute.Bool("cache_loaded", gen.complete()),
	))
}

// Expect registers a CA the cache must hold before it counts as loaded.
// While an expected CA has no snapshot, FailClosed answers revoked for
// serials no loaded CRL lists.
func (c *Cache) Expect(caID uuid.UUID, caName string) {
	c.update(func(next *generation) {
		next.expected[caID] = caName
	})
}

// UpdateFromCRL replaces the snapshot of one CA with entries. Serials that
// CA revoked before but that are absent from entries are no longer tracked;
// other CAs are untouched.
func (c *Cache) UpdateFromCRL(caID uuid.UUID, caName string, meta models.CRLMetadata, entries []models.RevokedEntry) {
	c.install(caID, caName, meta, entries, c.now())
}

func (c *Cache) install(caID uuid.UUID, caName string, meta models.CRLMetadata, entries []models.RevokedEntry, updatedAt time.Time) {
	revoked := make(map[string]models.RevokedEntry, len(entries))
	for _, e := range entries {
		revoked[NormalizeSerial(e.SerialNumber)] = e
	}
	meta.RevokedCount = len(revoked)

	snap := &Snapshot{
		CAID:      caID,
		CAName:    caName,
		Metadata:  meta,
		UpdatedAt: updatedAt,
		revoked:   revoked,
	}
	c.update(func(next *generation) {
		next.byCA[caID] = snap
	})

	log.Info().
		Str("ca_id", caID.String()).
		Str("ca_name", caName).
		Int64("crl_number", meta.Number).
		Int("revoked_count", len(revoked)).
		Msg("Revocation cache updated")
}

// update copies the current generation, applies fn and publishes the copy.
func (c *Cache) update(fn func(next *generation)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := &generation{
		byCA:     make(map[uuid.UUID]*Snapshot),
		expected: make(map[uuid.UUID]string),
	}
	if cur := c.current.Load(); cur != nil {
		maps.Copy(next.byCA, cur.byCA)
		maps.Copy(next.expected, cur.expected)
	}
	fn(next)
	c.current.Store(next)
}

// GetRevocationDetail returns the CRL entry for serial.
func (c *Cache) GetRevocationDetail(serial string) (models.RevokedEntry, bool) {
	_, e, ok := c.current.Load().find(serial)
	return e, ok
}

// RevokedCount is the number of tracked serials across every CA.
func (c *Cache) RevokedCount() int {
	gen := c.current.Load()
	if gen == nil {
		return 0
	}
	n := 0
	for _, snap := range gen.byCA {
		n += len(snap.revoked)
	}
	return n
}

// Clear drops every loaded snapshot. Expected CAs are kept.
func (c *Cache) Clear() {
	c.update(func(next *generation) {
		clear(next.byCA)
	})
}

func (c *Cache) snapshot(caID uuid.UUID) *Snapshot {
	gen := c.current.Load()
	if gen == nil {
		return nil
	}
	return gen.byCA[caID]
}

// Metadata returns the CRL metadata loaded for a CA.
func (c *Cache) Metadata(caID uuid.UUID) (models.CRLMetadata, bool) {
	snap := c.snapshot(caID)
	if snap == nil {
		return models.CRLMetadata{}, false
	}
	return snap.Metadata, true
}

// MetadataByName returns the CRL metadata loaded for a CA name. An empty name
// selects the only loaded CA and fails when there are several.
func (c *Cache) MetadataByName(caName string) (models.CRLMetadata, bool) {
	gen := c.current.Load()
	if caName == "" {
		snap, ok := gen.only()
		if !ok {
			return models.CRLMetadata{}, false
		}
		return snap.Metadata, true
	}
	if gen == nil {
		return models.CRLMetadata{}, false
	}
	for _, snap := range gen.byCA {
		if snap.CAName == caName {
			return snap.Metadata, true
		}
	}
	return models.CRLMetadata{}, false
}

// Entries returns the entries tracked for a CA ordered by serial.
func (c *Cache) Entries(caID uuid.UUID) []models.RevokedEntry {
	snap := c.snapshot(caID)
	if snap == nil {
		return nil
	}
	return sortedEntries(snap)
}

func sortedEntries(snap *Snapshot) []models.RevokedEntry {
	out := make([]models.RevokedEntry, 0, len(snap.revoked))
	for _, e := range snap.revoked {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b models.RevokedEntry) int {
		return strings.Compare(NormalizeSerial(a.SerialNumber), NormalizeSerial(b.SerialNumber))
	})
	return out
}

// Stats describes every loaded or expected CA, ordered by name.
func (c *Cache) Stats() Stats {
	gen := c.current.Load()
	if gen == nil {
		return Stats{}
	}
	now := c.now()

	out := Stats{Loaded: gen.complete()}
	for id, snap := range gen.byCA {
		st := CAStats{
			CAID:         id,
			CAName:       snap.CAName,
			Loaded:       true,
			RevokedCount: len(snap.revoked),
			CRLNumber:    snap.Metadata.Number,
			ThisUpdate:   snap.Metadata.ThisUpdate,
			NextUpdate:   snap.Metadata.NextUpdate,
			UpdatedAt:    snap.UpdatedAt,
			Expired:      snap.Metadata.IsExpired(now),
			NeedsUpdate:  snap.Metadata.NeedsUpdate(now),
		}
		out.RevokedCount += st.RevokedCount
		out.Expired = out.Expired || st.Expired
		out.NeedsUpdate = out.NeedsUpdate || st.NeedsUpdate
		if out.NextUpdate.IsZero() || st.NextUpdate.Before(out.NextUpdate) {
			out.NextUpdate = st.NextUpdate
		}
		out.CAs = append(out.CAs, st)
	}
	for id, name := range gen.expected {
		if _, ok := gen.byCA[id]; !ok {
			out.CAs = append(out.CAs, CAStats{CAID: id, CAName: name})
		}
	}
	slices.SortFunc(out.CAs, func(a, b CAStats) int {
		return strings.Compare(a.CAName, b.CAName)
	})
	return out
}

// Export returns the snapshot of a CA in its persisted form.
func (c *Cache) Export(caID uuid.UUID) (*store.RevocationSnapshot, bool) {
	snap := c.snapshot(caID)
	if snap == nil {
		return nil, false
	}
	return &store.RevocationSnapshot{
		CAID:      snap.CAID,
		CAName:    snap.CAName,
		Metadata:  snap.Metadata,
		Entries:   sortedEntries(snap),
		UpdatedAt: snap.UpdatedAt,
	}, true
}

// Restore loads the persisted snapshot of every CA. An empty store leaves the
// cache unloaded.
func (c *Cache) Restore(ctx context.Context, snapshots store.RevocationSnapshotStore) error {
	snaps, err := snapshots.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore revocation snapshots: %w", err)
	}
	if len(snaps) == 0 {
		log.Info().Msg("No revocation snapshot to restore")
		return nil
	}

	for _, snap := range snaps {
		c.install(snap.CAID, snap.CAName, snap.Metadata, snap.Entries, snap.UpdatedAt)
	}
	return nil
}
