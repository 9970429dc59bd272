// Package redis keeps the revocation snapshots in Redis so every replica of
// the status service can restore the same cache on start.
package redis

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.RevocationSnapshotStore = (*SnapshotStore)(nil)

// DefaultKey is the hash holding one snapshot frame per CA id.
const DefaultKey = "hybridca:revocation:snapshots"

// Config holds Redis connection settings.
type Config struct {
	Address      string
	Password     string
	Database     int
	Key          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TTL expires the snapshots if no cycle refreshes any of them. Zero keeps
	// them forever.
	TTL time.Duration
}

// kv is the subset of the Redis client the store uses.
type kv interface {
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HGetAll(ctx context.Context, key string) *goredis.StringStringMapCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
}

// SnapshotStore implements store.RevocationSnapshotStore on a single Redis
// hash keyed by CA id.
type SnapshotStore struct {
	client kv
	key    string
	ttl    time.Duration
	closer func() error
}

// NewSnapshotStore connects to Redis and verifies the connection.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Str("address", cfg.Address).
		Int("database", cfg.Database).
		Msg("Redis snapshot store initialized")

	s := newSnapshotStore(rdb, cfg)
	s.closer = rdb.Close
	return s, nil
}

func newSnapshotStore(client kv, cfg Config) *SnapshotStore {
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &SnapshotStore{client: client, key: key, ttl: cfg.TTL, closer: func() error { return nil }}
}

// Save replaces the snapshot of snap.CAID.
func (s *SnapshotStore) Save(ctx context.Context, snap *store.RevocationSnapshot) error {
	frame, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, snap.CAID.String(), frame).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set snapshot TTL: %w", err)
		}
	}

	log.Debug().
		Str("key", s.key).
		Str("ca_id", snap.CAID.String()).
		Int64("crl_number", snap.Metadata.Number).
		Int("frame_bytes", len(frame)).
		Msg("Saved revocation snapshot")
	return nil
}

// List decodes every CA's frame. A corrupt frame is skipped so the other CAs
// still restore; that CA is rebuilt by its next CRL cycle.
func (s *SnapshotStore) List(ctx context.Context) ([]*store.RevocationSnapshot, error) {
	frames, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	out := make([]*store.RevocationSnapshot, 0, len(frames))
	for caID, frame := range frames {
		snap, err := decodeSnapshot([]byte(frame))
		if err != nil {
			log.Warn().Err(err).Str("key", s.key).Str("ca_id", caID).Msg("Skipping corrupt revocation snapshot")
			continue
		}
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b *store.RevocationSnapshot) int {
		return strings.Compare(a.CAName, b.CAName)
	})
	return out, nil
}

// Close releases the client.
func (s *SnapshotStore) Close() error {
	return s.closer()
}
