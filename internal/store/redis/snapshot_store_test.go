package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

type fakeKV struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	ttl    time.Duration
	err    error
}

func newFakeKV() *fakeKV { return &fakeKV{hashes: map[string]map[string]string{}} }

func (f *fakeKV) HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = string(values[i+1].([]byte))
	}
	return goredis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeKV) HGetAll(ctx context.Context, key string) *goredis.StringStringMapCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewStringStringMapResult(nil, f.err)
	}
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return goredis.NewStringStringMapResult(out, nil)
}

func (f *fakeKV) Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = expiration
	return goredis.NewBoolResult(true, nil)
}

func testSnapshot() *store.RevocationSnapshot {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.RevocationSnapshot{
		CAID:   uuid.MustParse("0190c7a0-0000-7000-8000-000000000001"),
		CAName: "root",
		Metadata: models.CRLMetadata{
			Number:     7,
			IssuerDN:   "CN=Hybrid Root,O=Acme",
			ThisUpdate: ts,
			NextUpdate: ts.Add(24 * time.Hour),
			URL:        "https://crl.example.com/root/crl-7.crl",
		},
		Entries: []models.RevokedEntry{
			{SerialNumber: "1a2b", RevokedAt: ts.Add(-time.Hour), Reason: models.ReasonKeyCompromise},
			{SerialNumber: "3c4d", RevokedAt: ts.Add(-2 * time.Hour), Reason: models.ReasonSuperseded},
		},
		UpdatedAt: ts,
	}
}

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		s := newSnapshotStore(newFakeKV(), Config{})
		snaps, err := s.List(ctx)
		require.NoError(t, err)
		require.Empty(t, snaps)
	})

	t.Run("save then list", func(t *testing.T) {
		kv := newFakeKV()
		s := newSnapshotStore(kv, Config{TTL: time.Hour})
		snap := testSnapshot()
		require.NoError(t, s.Save(ctx, snap))
		require.Contains(t, kv.hashes, DefaultKey)
		require.Equal(t, time.Hour, kv.ttl)

		snaps, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		got := snaps[0]
		require.Equal(t, snap.CAID, got.CAID)
		require.Equal(t, "root", got.CAName)
		require.Equal(t, int64(7), got.Metadata.Number)
		require.Equal(t, 2, got.Metadata.RevokedCount)
		require.True(t, got.UpdatedAt.Equal(snap.UpdatedAt))
		require.Len(t, got.Entries, 2)
		require.Equal(t, "1a2b", got.Entries[0].SerialNumber)
		require.Equal(t, models.ReasonKeyCompromise, got.Entries[0].Reason)
	})

	t.Run("each CA keeps its own snapshot", func(t *testing.T) {
		kv := newFakeKV()
		s := newSnapshotStore(kv, Config{})

		root := testSnapshot()
		sub := testSnapshot()
		sub.CAID = uuid.MustParse("0190c7a0-0000-7000-8000-000000000002")
		sub.CAName = "sub"
		sub.Metadata.Number = 1
		sub.Entries = sub.Entries[:1]
		require.NoError(t, s.Save(ctx, root))
		require.NoError(t, s.Save(ctx, sub))

		newer := testSnapshot()
		newer.Metadata.Number = 8
		require.NoError(t, s.Save(ctx, newer))

		snaps, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, snaps, 2)
		require.Equal(t, "root", snaps[0].CAName)
		require.Equal(t, int64(8), snaps[0].Metadata.Number)
		require.Equal(t, "sub", snaps[1].CAName)
		require.Equal(t, int64(1), snaps[1].Metadata.Number)
	})

	t.Run("corrupt frame is skipped", func(t *testing.T) {
		kv := newFakeKV()
		s := newSnapshotStore(kv, Config{})
		require.NoError(t, s.Save(ctx, testSnapshot()))
		kv.hashes[DefaultKey]["bogus"] = "not a frame"

		snaps, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
	})

	t.Run("custom key", func(t *testing.T) {
		kv := newFakeKV()
		s := newSnapshotStore(kv, Config{Key: "ca:snapshots"})
		require.NoError(t, s.Save(ctx, testSnapshot()))
		require.Contains(t, kv.hashes, "ca:snapshots")
	})

	t.Run("redis errors surface", func(t *testing.T) {
		kv := newFakeKV()
		kv.err = errors.New("connection refused")
		s := newSnapshotStore(kv, Config{})
		require.Error(t, s.Save(ctx, testSnapshot()))
		_, err := s.List(ctx)
		require.Error(t, err)
	})
}

func TestSnapshotFrame(t *testing.T) {
	frame, err := encodeSnapshot(testSnapshot())
	require.NoError(t, err)

	t.Run("flipped byte fails the checksum", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[len(bad)/2] ^= 0xff
		_, err := decodeSnapshot(bad)
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[0] = 'X'
		_, err := decodeSnapshot(bad)
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := decodeSnapshot(frame[:6])
		require.ErrorIs(t, err, ErrCorruptSnapshot)
	})
}
