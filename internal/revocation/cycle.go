package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/lifecycle"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/storage"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CycleConfig tunes CRL publication retries.
type CycleConfig struct {
	UploadAttempts        uint
	UploadInitialInterval time.Duration
	UploadMaxInterval     time.Duration
}

func (c CycleConfig) withDefaults() CycleConfig {
	if c.UploadAttempts == 0 {
		c.UploadAttempts = 5
	}
	if c.UploadInitialInterval == 0 {
		c.UploadInitialInterval = 500 * time.Millisecond
	}
	if c.UploadMaxInterval == 0 {
		c.UploadMaxInterval = 30 * time.Second
	}
	return c
}

// Cycle regenerates a CA's CRL, publishes it and rebuilds the status cache.
type Cycle struct {
	certs       *lifecycle.Manager
	authorities *authority.Service
	storage     storage.ObjectStorage
	cache       *Cache
	snapshots   store.RevocationSnapshotStore
	publisher   events.Publisher
	cfg         CycleConfig
}

// NewCycle wires a CRL cycle. storage and snapshots may be nil, in which case
// publication or persistence is skipped.
func NewCycle(
	certs *lifecycle.Manager,
	authorities *authority.Service,
	objects storage.ObjectStorage,
	cache *Cache,
	snapshots store.RevocationSnapshotStore,
	publisher events.Publisher,
	cfg CycleConfig,
) *Cycle {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Cycle{
		certs:       certs,
		authorities: authorities,
		storage:     objects,
		cache:       cache,
		snapshots:   snapshots,
		publisher:   publisher,
		cfg:         cfg.withDefaults(),
	}
}

// Run signs a new CRL over every revoked certificate of the CA. A failed
// upload is logged and does not fail the cycle; the CRL number stays consumed.
func (c *Cycle) Run(ctx context.Context, caName string) (_ *models.CRL, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "revocation.Cycle.Run", trace.WithAttributes(
		attribute.String("ca_name", caName),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	ca, err := c.authorities.GetByName(ctx, caName)
	if err != nil {
		return nil, err
	}

	revoked, err := c.certs.ListRevoked(ctx, store.ListCertificatesOptions{CAID: ca.ID})
	if err != nil {
		return nil, err
	}

	crl, evts, err := c.authorities.GenerateCRL(ctx, caName, revoked)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CRL for %s: %w", caName, err)
	}
	telemetry.GetMetrics().CRLGeneratedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ca_name", caName),
	))

	if c.storage != nil {
		url, err := c.upload(ctx, caName, crl)
		if err != nil {
			telemetry.GetMetrics().CRLUploadErrorsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("ca_name", caName),
			))
			log.Error().Err(err).
				Str("ca_name", caName).
				Int64("crl_number", crl.Number).
				Msg("Failed to publish CRL")
		} else {
			crl.URL = url
		}
	}

	c.cache.UpdateFromCRL(crl.CAID, caName, crl.Metadata(), crl.Entries)

	if c.snapshots != nil {
		if snap, ok := c.cache.Export(crl.CAID); ok {
			if err := c.snapshots.Save(ctx, snap); err != nil {
				log.Warn().Err(err).
					Str("ca_name", caName).
					Int64("crl_number", crl.Number).
					Msg("Failed to persist revocation snapshot")
			}
		}
	}

	// the events were built at signing time; carry the URL the upload returned
	c.publisher.Publish(ctx, withPublishedURL(evts, crl.URL)...)

	log.Info().
		Str("ca_name", caName).
		Int64("crl_number", crl.Number).
		Int("revoked_count", len(crl.Entries)).
		Str("url", crl.URL).
		Msg("CRL cycle completed")

	return crl, nil
}

func withPublishedURL(evts []events.Event, url string) []events.Event {
	out := make([]events.Event, len(evts))
	for i, e := range evts {
		if issued, ok := e.(events.CRLIssued); ok {
			issued.URL = url
			e = issued
		}
		out[i] = e
	}
	return out
}

// RunIfDue runs the cycle when the CA has no CRL loaded or its loaded CRL is
// within the update window. Freshness is judged per CA, so one CA's recent
// CRL never hides another CA's stale one. It reports whether a new CRL was
// signed.
func (c *Cycle) RunIfDue(ctx context.Context, caName string) (bool, error) {
	ca, err := c.authorities.GetByName(ctx, caName)
	if err != nil {
		return false, err
	}
	meta, ok := c.cache.Metadata(ca.ID)
	if ok && !meta.NeedsUpdate(c.cache.now()) {
		return false, nil
	}
	if _, err := c.Run(ctx, caName); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cycle) upload(ctx context.Context, caName string, crl *models.CRL) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.UploadInitialInterval
	b.MaxInterval = c.cfg.UploadMaxInterval

	return backoff.Retry(ctx, func() (string, error) {
		return c.storage.Upload(ctx, caName, crl.Number, crl.PEM)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.UploadAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).
				Str("ca_name", caName).
				Int64("crl_number", crl.Number).
				Dur("retry_in", next).
				Msg("CRL upload failed, retrying")
		}),
	)
}
