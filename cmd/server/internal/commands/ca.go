package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/authority"
	"github.com/wolfeidau/hybridca/internal/logger"
	"github.com/wolfeidau/hybridca/internal/models"
)

// InitCACmd creates a self-signed CA.
type InitCACmd struct {
	Name      string        `arg:"" help:"CA name"`
	Subject   string        `help:"CA subject DN" required:""`
	Algorithm string        `help:"primary signature algorithm" default:"ECDSA_P256"`
	Hybrid    bool          `help:"provision an ML-DSA alternate key and issue a Catalyst CA certificate" default:"false"`
	Validity  time.Duration `help:"CA certificate lifetime" default:"87600h"`

	CAFlags `embed:""`
}

func (c *InitCACmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	alg, err := models.ParseSignatureAlgorithm(c.Algorithm)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	ca, err := a.cas.Create(ctx, authority.CreateRequest{
		Name:               c.Name,
		SubjectDN:          c.Subject,
		SignatureAlgorithm: alg,
		Hybrid:             c.Hybrid,
		Validity:           c.Validity,
	})
	if err != nil {
		return err
	}

	fmt.Print(ca.CertificatePEM)
	if c.Hybrid {
		altPEM, err := a.cas.AltPublicKeyPEM(ctx, c.Name)
		if err != nil {
			return err
		}
		fmt.Print(altPEM)
	}
	return nil
}

// IssueCRLCmd runs one CRL cycle.
type IssueCRLCmd struct {
	Name string `arg:"" help:"CA name"`
	Out  string `help:"also write the CRL PEM to this file" type:"path"`

	CAFlags `embed:""`
}

func (c *IssueCRLCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	crl, err := a.cycle.Run(ctx, c.Name)
	if err != nil {
		return err
	}

	log.Info().
		Int64("crl_number", crl.Number).
		Int("revoked_count", len(crl.Entries)).
		Time("next_update", crl.NextUpdate).
		Str("url", crl.URL).
		Msg("CRL issued")

	if c.Out != "" {
		if err := os.WriteFile(c.Out, []byte(crl.PEM), 0o644); err != nil {
			return fmt.Errorf("failed to write CRL: %w", err)
		}
	}
	return nil
}
