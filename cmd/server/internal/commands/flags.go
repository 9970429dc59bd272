package commands

import (
	"errors"
	"time"
)

// StoreFlags selects the persistence backend.
type StoreFlags struct {
	Type     string        `help:"store type (memory or postgres)" default:"memory" env:"HYBRIDCA_STORE_TYPE" enum:"memory,postgres"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
	Redis    RedisFlags    `embed:"" prefix:"redis-"`
}

func (s *StoreFlags) Validate() error {
	if s.Type == "postgres" && s.Postgres.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    time.Duration `help:"query timeout" default:"10s"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"HYBRIDCA_POSTGRES_AUTO_MIGRATE"`
}

// RedisFlags optionally moves the revocation snapshot to Redis so replicas share it.
type RedisFlags struct {
	Addr     string        `help:"Redis address for the revocation snapshot (empty = use the main store)" env:"HYBRIDCA_REDIS_ADDR"`
	Password string        `help:"Redis password" env:"HYBRIDCA_REDIS_PASSWORD"`
	DB       int           `help:"Redis database" default:"0"`
	Key      string        `help:"Redis key holding the snapshot" default:"hybridca:revocation:latest"`
	TTL      time.Duration `help:"snapshot expiry (0 = never)" default:"0s"`
}

// KeyFlags selects where CA keys live.
type KeyFlags struct {
	Type string `help:"key store type (memory, file or kms)" default:"memory" env:"HYBRIDCA_KEYS_TYPE" enum:"memory,file,kms"`
	Dir  string `help:"directory for file keys, and the ML-DSA keys of a kms store" default:"keys" env:"HYBRIDCA_KEYS_DIR"`
}

func (k *KeyFlags) Validate() error {
	if k.Type != "memory" && k.Dir == "" {
		return errors.New("key directory is required for file and kms key stores (--keys-dir)")
	}
	return nil
}

// CRLFlags configures CRL generation, publication and the status cache.
type CRLFlags struct {
	BaseURL       string        `help:"public URL prefix CRLs are published under" default:"http://localhost:8080/crl" env:"HYBRIDCA_CRL_BASE_URL"`
	Validity      time.Duration `help:"gap between thisUpdate and nextUpdate" default:"24h" env:"HYBRIDCA_CRL_VALIDITY"`
	Storage       string        `help:"CRL object storage (memory or s3)" default:"memory" env:"HYBRIDCA_CRL_STORAGE" enum:"memory,s3"`
	S3Bucket      string        `help:"S3 bucket for published CRLs" env:"HYBRIDCA_CRL_S3_BUCKET"`
	S3Prefix      string        `help:"S3 key prefix for published CRLs" default:"" env:"HYBRIDCA_CRL_S3_PREFIX"`
	UploadRetries uint          `help:"CRL upload attempts" default:"5"`
	MissingPolicy string        `help:"answer for serials when no CRL is loaded (open or closed)" default:"open" env:"HYBRIDCA_CRL_MISSING_POLICY" enum:"open,closed"`
}

func (c *CRLFlags) Validate() error {
	if c.Storage == "s3" && c.S3Bucket == "" {
		return errors.New("S3 bucket is required for s3 CRL storage (--crl-s3-bucket)")
	}
	if c.Validity <= time.Hour {
		return errors.New("CRL validity must be longer than the one hour update window")
	}
	return nil
}

// IdentityFlags configure applicant token verification.
type IdentityFlags struct {
	PublicKey  string `help:"path to the PEM public key verifying applicant tokens" env:"HYBRIDCA_JWT_PUBLIC_KEY" type:"existingfile"`
	Issuer     string `help:"required token issuer" env:"HYBRIDCA_JWT_ISSUER"`
	Applicants string `help:"YAML applicant directory" env:"HYBRIDCA_APPLICANTS_FILE" type:"existingfile"`
}

func (i *IdentityFlags) Validate() error {
	if i.PublicKey == "" {
		return errors.New("token public key is required (--jwt-public-key)")
	}
	return nil
}

// CAFlags is shared by every command that needs the CA core.
type CAFlags struct {
	Store    StoreFlags `embed:"" prefix:"store-"`
	Keys     KeyFlags   `embed:"" prefix:"keys-"`
	CRL      CRLFlags   `embed:"" prefix:"crl-"`
	Policies string     `help:"YAML policy file seeded at startup (defaults when empty)" env:"HYBRIDCA_POLICIES_FILE" type:"existingfile"`
	Region   string     `help:"AWS region for KMS and S3" env:"AWS_REGION"`
}

func (c *CAFlags) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Keys.Validate(); err != nil {
		return err
	}
	return c.CRL.Validate()
}
