// Package jobs runs the periodic CRL cycle and the expiry and renewal scans.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"golang.org/x/sync/errgroup"
)

// CRLCycle regenerates and publishes a CA's CRL.
type CRLCycle interface {
	Run(ctx context.Context, caName string) (*models.CRL, error)
	RunIfDue(ctx context.Context, caName string) (bool, error)
}

// LifecycleScanner expires certificates and emits renewal notices.
type LifecycleScanner interface {
	ExpireDue(ctx context.Context) ([]string, error)
	ScanRenewalNotices(ctx context.Context) ([]*models.Certificate, error)
}

// Config controls the job intervals.
type Config struct {
	// CRLInterval is how often a fresh CRL is issued regardless of state.
	// Default: 24h
	CRLInterval time.Duration

	// CRLCheckInterval is how often the cache is checked for an upcoming
	// nextUpdate. Default: 5m
	CRLCheckInterval time.Duration

	// ScanInterval is how often expiry and renewal scans run.
	// Default: 1h
	ScanInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CRLInterval <= 0 {
		c.CRLInterval = 24 * time.Hour
	}
	if c.CRLCheckInterval <= 0 {
		c.CRLCheckInterval = 5 * time.Minute
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Hour
	}
	return c
}

// Runner drives the background jobs for a set of CAs.
type Runner struct {
	crl       CRLCycle
	lifecycle LifecycleScanner
	caNames   []string
	cfg       Config
	triggerCh chan struct{}
}

// NewRunner creates a job runner.
func NewRunner(crl CRLCycle, lifecycle LifecycleScanner, caNames []string, cfg Config) *Runner {
	return &Runner{
		crl:       crl,
		lifecycle: lifecycle,
		caNames:   caNames,
		cfg:       cfg.withDefaults(),
		triggerCh: make(chan struct{}, 1), // Buffered so trigger doesn't block
	}
}

// Trigger requests an immediate CRL cycle. Requests made while one is
// pending are coalesced.
func (r *Runner) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.crlLoop(ctx) })
	g.Go(func() error { return r.scanLoop(ctx) })

	log.Info().
		Strs("ca_names", r.caNames).
		Dur("crl_interval", r.cfg.CRLInterval).
		Dur("scan_interval", r.cfg.ScanInterval).
		Msg("Background jobs started")

	err := g.Wait()
	log.Info().Msg("Background jobs stopped")
	return err
}

func (r *Runner) crlLoop(ctx context.Context) error {
	regenerate := time.NewTicker(r.cfg.CRLInterval)
	defer regenerate.Stop()
	check := time.NewTicker(r.cfg.CRLCheckInterval)
	defer check.Stop()

	r.RunCRLIfDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-regenerate.C:
			r.RunCRL(ctx)
		case <-r.triggerCh:
			log.Debug().Msg("CRL cycle triggered")
			r.RunCRL(ctx)
		case <-check.C:
			r.RunCRLIfDue(ctx)
		}
	}
}

func (r *Runner) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	r.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// RunCRL issues a CRL for every CA. Failures are logged per CA.
func (r *Runner) RunCRL(ctx context.Context) {
	for _, name := range r.caNames {
		if _, err := r.crl.Run(ctx, name); err != nil {
			log.Error().Err(err).Str("ca_name", name).Msg("CRL cycle failed")
		}
	}
}

// RunCRLIfDue issues a CRL for every CA whose current CRL is missing or near
// its nextUpdate.
func (r *Runner) RunCRLIfDue(ctx context.Context) {
	for _, name := range r.caNames {
		if _, err := r.crl.RunIfDue(ctx, name); err != nil {
			log.Error().Err(err).Str("ca_name", name).Msg("CRL cycle failed")
		}
	}
}

// Scan expires due certificates, then emits renewal notices.
func (r *Runner) Scan(ctx context.Context) {
	expired, err := r.lifecycle.ExpireDue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Expiry scan failed")
	}
	due, err := r.lifecycle.ScanRenewalNotices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Renewal scan failed")
	}
	log.Debug().
		Int("expired", len(expired)).
		Int("renewal_due", len(due)).
		Msg("Lifecycle scan finished")
}
