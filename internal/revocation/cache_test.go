package revocation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store/memory"
)

var caID = uuid.MustParse("0190f5a4-0000-7000-8000-000000000001")

func entries(serials ...string) []models.RevokedEntry {
	out := make([]models.RevokedEntry, 0, len(serials))
	for _, s := range serials {
		out = append(out, models.RevokedEntry{
			SerialNumber: s,
			RevokedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Reason:       models.ReasonKeyCompromise,
		})
	}
	return out
}

func meta(n int64, thisUpdate time.Time) models.CRLMetadata {
	return models.CRLMetadata{Number: n, ThisUpdate: thisUpdate, NextUpdate: thisUpdate.Add(24 * time.Hour)}
}

func TestCache_Missing(t *testing.T) {
	ctx := context.Background()

	t.Run("fail open", func(t *testing.T) {
		c := NewCache(FailOpen)
		require.False(t, c.IsRevoked(ctx, "0a"))
		require.Equal(t, map[string]bool{"0a": false, "0b": false}, c.BatchCheck(ctx, []string{"0a", "0b"}))
		require.Zero(t, c.RevokedCount())
		require.False(t, c.Stats().Loaded)
	})

	t.Run("fail closed", func(t *testing.T) {
		c := NewCache(FailClosed)
		require.True(t, c.IsRevoked(ctx, "0a"))
		require.Equal(t, map[string]bool{"0a": true}, c.BatchCheck(ctx, []string{"0a"}))

		c.UpdateFromCRL(caID, "root", meta(1, time.Now()), nil)
		require.False(t, c.IsRevoked(ctx, "0a"))
	})

	t.Run("policy names", func(t *testing.T) {
		p, err := ParseMissingPolicy("closed")
		require.NoError(t, err)
		require.Equal(t, FailClosed, p)

		p, err = ParseMissingPolicy("")
		require.NoError(t, err)
		require.Equal(t, FailOpen, p)

		_, err = ParseMissingPolicy("sometimes")
		require.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestCache_UpdateFromCRL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("wholesale replacement", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("0a", "0b"))
		require.True(t, c.IsRevoked(ctx, "0a"))
		require.Equal(t, 2, c.RevokedCount())

		c.UpdateFromCRL(caID, "root", meta(2, now), entries("0c"))
		require.False(t, c.IsRevoked(ctx, "0a"))
		require.False(t, c.IsRevoked(ctx, "0b"))
		require.True(t, c.IsRevoked(ctx, "0c"))
		require.Equal(t, 1, c.RevokedCount())

		m, ok := c.Metadata(caID)
		require.True(t, ok)
		require.Equal(t, int64(2), m.Number)
		require.Equal(t, 1, m.RevokedCount)
	})

	t.Run("serials are compared in canonical form", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("00AB"))
		require.True(t, c.IsRevoked(ctx, "ab"))
		require.True(t, c.IsRevoked(ctx, "0x00ab"))

		detail, ok := c.GetRevocationDetail("AB")
		require.True(t, ok)
		require.Equal(t, models.ReasonKeyCompromise, detail.Reason)

		_, ok = c.GetRevocationDetail("cd")
		require.False(t, ok)
	})

	t.Run("batch matches single lookups", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("01", "03"))

		serials := []string{"01", "02", "03", "04"}
		got := c.BatchCheck(ctx, serials)
		require.Len(t, got, len(serials))
		for _, s := range serials {
			require.Equal(t, c.IsRevoked(ctx, s), got[s], s)
		}
	})

	t.Run("clear", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("01"))
		c.Clear()
		require.False(t, c.IsRevoked(ctx, "01"))
		_, ok := c.Metadata(caID)
		require.False(t, ok)
		require.Nil(t, c.Entries(caID))
	})

	t.Run("stats", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.now = func() time.Time { return now.Add(23*time.Hour + 30*time.Minute) }
		c.UpdateFromCRL(caID, "root", meta(4, now), entries("01", "02"))

		st := c.Stats()
		require.True(t, st.Loaded)
		require.Equal(t, 2, st.RevokedCount)
		require.False(t, st.Expired)
		require.True(t, st.NeedsUpdate)
		require.Len(t, st.CAs, 1)
		require.Equal(t, "root", st.CAs[0].CAName)
		require.Equal(t, int64(4), st.CAs[0].CRLNumber)
	})
}

func TestCache_PerCA(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	subID := uuid.MustParse("0190f5a4-0000-7000-8000-000000000002")

	t.Run("a CA's CRL replaces only its own entries", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("0a"))
		c.UpdateFromCRL(subID, "sub", meta(5, now), entries("0b"))
		require.True(t, c.IsRevoked(ctx, "0a"))
		require.True(t, c.IsRevoked(ctx, "0b"))
		require.Equal(t, 2, c.RevokedCount())

		c.UpdateFromCRL(subID, "sub", meta(6, now), nil)
		require.True(t, c.IsRevoked(ctx, "0a"), "root revocations survive a sub CRL")
		require.False(t, c.IsRevoked(ctx, "0b"))

		m, ok := c.Metadata(caID)
		require.True(t, ok)
		require.Equal(t, int64(1), m.Number)
		m, ok = c.MetadataByName("sub")
		require.True(t, ok)
		require.Equal(t, int64(6), m.Number)

		_, ok = c.MetadataByName("")
		require.False(t, ok, "no default with several CAs loaded")
	})

	t.Run("lookup answers from one CRL", func(t *testing.T) {
		c := NewCache(FailOpen)
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("0a"))
		c.UpdateFromCRL(subID, "sub", meta(9, now), entries("0b"))

		st := c.Lookup(ctx, "0B")
		require.True(t, st.Revoked)
		require.True(t, st.Found)
		require.Equal(t, subID, st.CAID)
		require.Equal(t, "sub", st.CAName)
		require.Equal(t, int64(9), st.CRLNumber)
		require.Equal(t, models.ReasonKeyCompromise, st.Entry.Reason)

		st = c.Lookup(ctx, "0c")
		require.False(t, st.Revoked)
		require.False(t, st.Found)
		require.Zero(t, st.CRLNumber)
	})

	t.Run("expected CA without a CRL", func(t *testing.T) {
		c := NewCache(FailClosed)
		c.Expect(caID, "root")
		c.Expect(subID, "sub")
		c.UpdateFromCRL(caID, "root", meta(1, now), entries("0a"))

		st := c.Stats()
		require.False(t, st.Loaded)
		require.Len(t, st.CAs, 2)
		require.False(t, st.CAs[1].Loaded)
		require.True(t, c.IsRevoked(ctx, "0c"), "fail closed while sub is missing")

		c.UpdateFromCRL(subID, "sub", meta(1, now), nil)
		require.True(t, c.Stats().Loaded)
		require.False(t, c.IsRevoked(ctx, "0c"))
	})

	t.Run("export and restore every CA", func(t *testing.T) {
		snapshots := memory.NewRevocationSnapshotStore()
		src := NewCache(FailOpen)
		src.UpdateFromCRL(caID, "root", meta(2, now), entries("0a"))
		src.UpdateFromCRL(subID, "sub", meta(3, now), entries("0b"))
		for _, id := range []uuid.UUID{caID, subID} {
			snap, ok := src.Export(id)
			require.True(t, ok)
			require.NoError(t, snapshots.Save(ctx, snap))
		}

		dst := NewCache(FailOpen)
		require.NoError(t, dst.Restore(ctx, snapshots))
		require.True(t, dst.IsRevoked(ctx, "0a"))
		require.True(t, dst.IsRevoked(ctx, "0b"))
		m, ok := dst.MetadataByName("sub")
		require.True(t, ok)
		require.Equal(t, int64(3), m.Number)
	})
}

func TestCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	ctx := context.Background()
	c := NewCache(FailOpen)

	serials := make([]string, 100)
	for i := range serials {
		serials[i] = fmt.Sprintf("%x", i+1)
	}
	full := entries(serials...)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			if i%2 == 0 {
				c.UpdateFromCRL(caID, "root", meta(int64(i), time.Now()), full)
			} else {
				c.UpdateFromCRL(caID, "root", meta(int64(i), time.Now()), nil)
			}
		}
		close(stop)
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st := c.Lookup(ctx, serials[0])
				if st.Revoked && (!st.Found || st.CRLNumber%2 != 0) {
					t.Errorf("revoked verdict from CRL %d without its entry", st.CRLNumber)
					return
				}

				got := c.BatchCheck(ctx, serials)
				first := got[serials[0]]
				for _, s := range serials {
					if got[s] != first {
						t.Errorf("observed partial snapshot at serial %s", s)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestCache_Restore(t *testing.T) {
	ctx := context.Background()
	snapshots := memory.NewRevocationSnapshotStore()

	t.Run("empty store leaves cache unloaded", func(t *testing.T) {
		c := NewCache(FailOpen)
		require.NoError(t, c.Restore(ctx, snapshots))
		require.False(t, c.Stats().Loaded)
	})

	t.Run("round trip through the store", func(t *testing.T) {
		src := NewCache(FailOpen)
		src.UpdateFromCRL(caID, "root", meta(3, time.Now()), entries("0b", "0a"))
		snap, ok := src.Export(caID)
		require.True(t, ok)
		require.Equal(t, "0a", snap.Entries[0].SerialNumber)
		require.NoError(t, snapshots.Save(ctx, snap))

		dst := NewCache(FailClosed)
		require.NoError(t, dst.Restore(ctx, snapshots))
		require.Equal(t, 2, dst.RevokedCount())
		require.True(t, dst.IsRevoked(ctx, "0b"))
		require.False(t, dst.IsRevoked(ctx, "0c"))

		m, _ := dst.Metadata(caID)
		require.Equal(t, int64(3), m.Number)
		require.Equal(t, snap.UpdatedAt, dst.Stats().CAs[0].UpdatedAt)
	})
}
