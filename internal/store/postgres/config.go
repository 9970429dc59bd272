package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds store configuration on top of the pool settings.
type Config struct {
	Pool PoolConfig

	// AutoMigrate applies pending migrations when the stores are opened.
	AutoMigrate bool

	// QueryTimeout bounds every query issued by the stores. Default: 10s.
	// Negative disables the extra timeout and relies on the caller's context.
	QueryTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	return c.Pool.Validate()
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	c.Pool.ApplyDefaults()
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
}

// Stores bundles every PostgreSQL-backed store over one pool.
type Stores struct {
	Pool         *pgxpool.Pool
	Authorities  *AuthorityStore
	Certificates *CertificateStore
	Policies     *PolicyStore
	Audit        *AuditStore
	Revocations  *RevocationSnapshotStore
	AuthRequests *AuthRequestStore
}

// Open connects, optionally migrates and returns the stores.
func Open(ctx context.Context, cfg *Config) (*Stores, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	q := querier{pool: pool, timeout: cfg.QueryTimeout}
	return &Stores{
		Pool:         pool,
		Authorities:  &AuthorityStore{q},
		Certificates: &CertificateStore{q},
		Policies:     &PolicyStore{q},
		Audit:        &AuditStore{q},
		Revocations:  &RevocationSnapshotStore{q},
		AuthRequests: &AuthRequestStore{q},
	}, nil
}

// Close releases the pool.
func (s *Stores) Close() {
	s.Pool.Close()
}

// querier is embedded by every store and applies the query timeout.
type querier struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func (q querier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, q.timeout)
}
