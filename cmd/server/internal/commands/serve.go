package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/authority"
	httpapi "github.com/wolfeidau/hybridca/internal/http"
	"github.com/wolfeidau/hybridca/internal/jobs"
	"github.com/wolfeidau/hybridca/internal/logger"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/revocation"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	Listen         string        `help:"listen address for the status API" default:"localhost:8080" env:"HYBRIDCA_LISTEN"`
	AllowedOrigins []string      `help:"CORS origins allowed to call the status API" env:"HYBRIDCA_ALLOWED_ORIGINS"`
	CANames        []string      `help:"CAs whose CRLs are maintained (default all)" name:"ca" env:"HYBRIDCA_CA_NAMES"`
	CRLInterval    time.Duration `help:"how often a fresh CRL is issued" default:"24h"`
	CRLCheck       time.Duration `help:"how often CRL freshness is checked" default:"5m"`
	ScanInterval   time.Duration `help:"how often expiry and renewal scans run" default:"1h"`
	Telemetry      bool          `help:"export OpenTelemetry metrics and traces over OTLP" default:"false" env:"HYBRIDCA_TELEMETRY"`

	CAFlags `embed:""`
}

func (s *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "hybridca",
			Version:     globals.Version,
			SampleRatio: 0.1,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shut down telemetry")
			}
		}()
	}

	a, err := newApp(ctx, &s.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cache.Restore(ctx, a.snapshots); err != nil {
		log.Warn().Err(err).Msg("starting with an empty revocation cache")
	}

	caNames, err := s.caNames(ctx, a.cas, a.cache)
	if err != nil {
		return err
	}

	runner := jobs.NewRunner(a.cycle, a.lifecycle, caNames, jobs.Config{
		CRLInterval:      s.CRLInterval,
		CRLCheckInterval: s.CRLCheck,
		ScanInterval:     s.ScanInterval,
	})

	status := httpapi.NewStatusHandler(a.cache, a.objects, runner.Trigger)
	handler := logger.HTTPRequests(log.Logger)(status.Routes(s.AllowedOrigins))
	srv := configureHTTPServer(s.Listen, handler)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(ctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", s.Listen).Strs("cas", caNames).Msg("Starting status API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// caNames resolves the CAs this process publishes CRLs for and registers each
// with the cache so health stays degraded until every one has a snapshot.
func (s *ServeCmd) caNames(ctx context.Context, cas *authority.Service, cache *revocation.Cache) ([]string, error) {
	var all []*models.CertificateAuthority
	if len(s.CANames) > 0 {
		for _, name := range s.CANames {
			ca, err := cas.GetByName(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("ca %q: %w", name, err)
			}
			all = append(all, ca)
		}
	} else {
		var err error
		all, err = cas.List(ctx)
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(all))
	for _, ca := range all {
		cache.Expect(ca.ID, ca.Name)
		names = append(names, ca.Name)
	}
	if len(names) == 0 {
		log.Warn().Msg("No certificate authorities found, CRL jobs are idle until restart")
	}
	return names, nil
}
