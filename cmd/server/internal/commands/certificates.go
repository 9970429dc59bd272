package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/issuance"
	"github.com/wolfeidau/hybridca/internal/logger"
	"github.com/wolfeidau/hybridca/internal/models"
)

// IssueCmd submits a certificate application on behalf of an applicant.
type IssueCmd struct {
	CA        string        `help:"issuing CA name" required:""`
	Applicant string        `help:"applicant id" required:""`
	Token     string        `help:"applicant bearer token" required:"" env:"HYBRIDCA_TOKEN"`
	CSR       string        `help:"PEM or DER classical CSR" required:"" type:"existingfile"`
	PQCSR     string        `help:"post-quantum CSR; issues a Catalyst hybrid certificate" type:"existingfile" name:"pq-csr"`
	Type      string        `help:"certificate type" default:"DEVICE"`
	Algorithm string        `help:"signature algorithm (default: the CA's)"`
	KEM       string        `help:"KEM algorithm carried by the PQ CSR" default:""`
	Validity  time.Duration `help:"certificate lifetime" default:"8760h"`

	CAFlags  `embed:""`
	Identity IdentityFlags `embed:"" prefix:"jwt-"`
}

func (c *IssueCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	req, err := c.request()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.issuance(&c.Identity)
	if err != nil {
		return err
	}

	var cert *models.Certificate
	if c.PQCSR == "" {
		cert, err = svc.Apply(ctx, req)
	} else {
		var pq []byte
		pq, err = os.ReadFile(c.PQCSR)
		if err != nil {
			return fmt.Errorf("failed to read PQ CSR: %w", err)
		}
		cert, err = svc.ApplyHybrid(ctx, issuance.HybridApplyRequest{ApplyRequest: req, PQCSR: pq})
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("serial_number", cert.SerialNumber).
		Str("subject_dn", cert.SubjectDN).
		Bool("hybrid", cert.IsHybrid()).
		Msg("Certificate issued")

	if cert.IsHybrid() {
		fmt.Print(cert.Hybrid.Bundle)
		return nil
	}
	fmt.Print(cert.PEM)
	return nil
}

func (c *IssueCmd) request() (issuance.ApplyRequest, error) {
	certType, err := models.ParseCertificateType(c.Type)
	if err != nil {
		return issuance.ApplyRequest{}, err
	}
	csr, err := os.ReadFile(c.CSR)
	if err != nil {
		return issuance.ApplyRequest{}, fmt.Errorf("failed to read CSR: %w", err)
	}

	req := issuance.ApplyRequest{
		CAName:          c.CA,
		ApplicantID:     c.Applicant,
		Token:           c.Token,
		CSR:             csr,
		CertificateType: certType,
		NotAfter:        time.Now().Add(c.Validity),
	}
	if c.Algorithm != "" {
		if req.SignatureAlgorithm, err = models.ParseSignatureAlgorithm(c.Algorithm); err != nil {
			return req, err
		}
	}
	if c.KEM != "" {
		if req.KEMAlgorithm, err = models.ParseKEMAlgorithm(c.KEM); err != nil {
			return req, err
		}
	}
	return req, nil
}

// RevokeCmd revokes one or more certificates.
type RevokeCmd struct {
	Serials    []string `arg:"" help:"serial numbers (hex)"`
	Reason     string   `help:"revocation reason" default:"UNSPECIFIED"`
	Operator   string   `help:"operator recorded on the revocation" required:"" env:"USER"`
	Comments   string   `help:"free-form comments"`
	ReissueCRL bool     `help:"issue a fresh CRL for --ca after revoking" default:"false"`
	CA         string   `help:"CA whose CRL is reissued"`

	CAFlags `embed:""`
}

func (c *RevokeCmd) Validate() error {
	if c.ReissueCRL && c.CA == "" {
		return fmt.Errorf("--ca is required with --reissue-crl")
	}
	return nil
}

func (c *RevokeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	reason, err := models.ParseRevocationReason(c.Reason)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed int
	for _, out := range a.lifecycle.BatchRevoke(ctx, c.Serials, reason, c.Operator, c.Comments) {
		if out.Err != nil {
			failed++
			fmt.Printf("%s\tfailed\t%v\n", out.SerialNumber, out.Err)
			continue
		}
		fmt.Printf("%s\trevoked\n", out.SerialNumber)
	}

	if c.ReissueCRL {
		if _, err := a.cycle.Run(ctx, c.CA); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d revocations failed", failed, len(c.Serials))
	}
	return nil
}

// ScanExpiryCmd expires due certificates and emits renewal notices once.
type ScanExpiryCmd struct {
	CAFlags `embed:""`
}

func (c *ScanExpiryCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	expired, err := a.lifecycle.ExpireDue(ctx)
	if err != nil {
		return err
	}
	due, err := a.lifecycle.ScanRenewalNotices(ctx)
	if err != nil {
		return err
	}

	for _, serial := range expired {
		fmt.Printf("%s\texpired\n", serial)
	}
	for _, cert := range due {
		fmt.Printf("%s\trenewal-due\t%s\n", cert.SerialNumber, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}
