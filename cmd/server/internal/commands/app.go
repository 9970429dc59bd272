package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/audit"
	"github.com/wolfeidau/hybridca/internal/authn"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/issuance"
	"github.com/wolfeidau/hybridca/internal/lifecycle"
	"github.com/wolfeidau/hybridca/internal/pki"
	"github.com/wolfeidau/hybridca/internal/policy"
	"github.com/wolfeidau/hybridca/internal/revocation"
	"github.com/wolfeidau/hybridca/internal/storage"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/store/memory"
	"github.com/wolfeidau/hybridca/internal/store/postgres"
	"github.com/wolfeidau/hybridca/internal/store/redis"
)

// app holds the CA core shared by every command.
type app struct {
	authorities  store.AuthorityStore
	certificates store.CertificateStore
	policyStore  store.PolicyStore
	auditStore   store.AuditStore
	authRequests store.AuthRequestStore
	snapshots    store.RevocationSnapshotStore

	dispatcher  *events.Dispatcher
	audit       *audit.Service
	cas         *authority.Service
	lifecycle   *lifecycle.Manager
	policies    *policy.Service
	engine      *policy.Engine
	parser      *pki.CSRParser
	objects     storage.ObjectStorage
	cache       *revocation.Cache
	cycle       *revocation.Cycle

	closers []func()
}

func newApp(ctx context.Context, flags *CAFlags) (*app, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	a := &app{parser: pki.NewCSRParser()}

	var (
		awsCfg    aws.Config
		awsLoaded bool
	)
	loadAWS := func() (aws.Config, error) {
		if awsLoaded {
			return awsCfg, nil
		}
		var opts []func(*awsconfig.LoadOptions) error
		if flags.Region != "" {
			opts = append(opts, awsconfig.WithRegion(flags.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
		}
		awsCfg, awsLoaded = cfg, true
		return cfg, nil
	}

	if err := a.openStores(ctx, &flags.Store); err != nil {
		a.Close()
		return nil, err
	}

	keys, err := openKeys(&flags.Keys, loadAWS)
	if err != nil {
		a.Close()
		return nil, err
	}

	switch flags.CRL.Storage {
	case "s3":
		cfg, err := loadAWS()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.objects = storage.NewS3Storage(cfg, storage.S3Config{
			Bucket:        flags.CRL.S3Bucket,
			Prefix:        flags.CRL.S3Prefix,
			PublicBaseURL: flags.CRL.BaseURL,
		})
	default:
		a.objects = storage.NewMemoryStorage(flags.CRL.BaseURL)
	}

	missing, err := revocation.ParseMissingPolicy(flags.CRL.MissingPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.audit = audit.NewService(a.auditStore)
	a.dispatcher = events.NewDispatcher(a.audit)
	a.cas = authority.NewService(a.authorities, keys, authority.Options{
		CRLValidity: flags.CRL.Validity,
		CRLBaseURL:  flags.CRL.BaseURL,
	})
	a.lifecycle = lifecycle.NewManager(a.certificates, a.dispatcher)
	a.policies = policy.NewService(a.policyStore)
	a.engine = policy.NewEngine(a.policyStore)
	a.cache = revocation.NewCache(missing)
	a.cycle = revocation.NewCycle(a.lifecycle, a.cas, a.objects, a.cache, a.snapshots, a.dispatcher, revocation.CycleConfig{
		UploadAttempts: flags.CRL.UploadRetries,
	})

	if err := a.seedPolicies(ctx, flags.Policies); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) openStores(ctx context.Context, flags *StoreFlags) error {
	switch flags.Type {
	case "postgres":
		pg := flags.Postgres
		stores, err := postgres.Open(ctx, &postgres.Config{
			Pool: postgres.PoolConfig{
				ConnString:      pg.ConnString,
				MaxConns:        pg.MaxConns,
				MinConns:        pg.MinConns,
				MaxConnLifetime: pg.MaxConnLifetime,
				MaxConnIdleTime: pg.MaxConnIdleTime,
			},
			AutoMigrate:  pg.AutoMigrate,
			QueryTimeout: pg.QueryTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open PostgreSQL stores: %w", err)
		}
		a.closers = append(a.closers, stores.Close)
		a.authorities = stores.Authorities
		a.certificates = stores.Certificates
		a.policyStore = stores.Policies
		a.auditStore = stores.Audit
		a.authRequests = stores.AuthRequests
		a.snapshots = stores.Revocations
		log.Info().Msg("Using PostgreSQL stores")
	default:
		a.authorities = memory.NewAuthorityStore()
		a.certificates = memory.NewCertificateStore()
		a.policyStore = memory.NewPolicyStore()
		a.auditStore = memory.NewAuditStore()
		a.authRequests = memory.NewAuthRequestStore()
		a.snapshots = memory.NewRevocationSnapshotStore()
		log.Warn().Msg("Using in-memory stores, state is lost on exit")
	}

	if flags.Redis.Addr != "" {
		snapshots, err := redis.NewSnapshotStore(ctx, redis.Config{
			Address:  flags.Redis.Addr,
			Password: flags.Redis.Password,
			Database: flags.Redis.DB,
			Key:      flags.Redis.Key,
			TTL:      flags.Redis.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to open Redis snapshot store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = snapshots.Close() })
		a.snapshots = snapshots
		log.Info().Str("addr", flags.Redis.Addr).Msg("Using Redis revocation snapshots")
	}
	return nil
}

func openKeys(flags *KeyFlags, loadAWS func() (aws.Config, error)) (pki.KeyStore, error) {
	switch flags.Type {
	case "file":
		return pki.NewFileKeyStore(flags.Dir)
	case "kms":
		cfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return pki.NewKMSKeyStore(cfg, flags.Dir)
	default:
		log.Warn().Msg("Using in-memory CA keys, keys are lost on exit")
		return pki.NewKeyRing(), nil
	}
}

func (a *app) seedPolicies(ctx context.Context, path string) error {
	policies := policy.DefaultPolicies()
	if path != "" {
		loaded, err := policy.LoadFile(path)
		if err != nil {
			return err
		}
		policies = loaded
	}
	return a.policies.Seed(ctx, policies)
}

// issuance wires applicant authentication; only commands that accept
// applications need identity flags.
func (a *app) issuance(flags *IdentityFlags) (*issuance.Service, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(flags.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read token public key: %w", err)
	}

	var dir authn.Directory = authn.NewStaticDirectory()
	if flags.Applicants != "" {
		loaded, err := authn.LoadDirectoryFile(flags.Applicants)
		if err != nil {
			return nil, err
		}
		dir = loaded
	}

	idp, err := authn.NewJWTIdentityProvider(string(pem), flags.Issuer, dir)
	if err != nil {
		return nil, err
	}
	auth := authn.NewService(idp, a.parser, a.authRequests, a.dispatcher)
	return issuance.NewService(auth, a.engine, a.cas, a.lifecycle, a.parser), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
