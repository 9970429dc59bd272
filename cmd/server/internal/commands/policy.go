package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/logger"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/policy"
)

// PolicyCheckCmd evaluates a hypothetical request against the enabled policy.
type PolicyCheckCmd struct {
	Type      string        `arg:"" help:"certificate type"`
	Subject   string        `help:"subject DN" required:""`
	Algorithm string        `help:"signature algorithm" default:"ECDSA_P256"`
	KEM       string        `help:"KEM algorithm"`
	Validity  time.Duration `help:"requested lifetime" default:"8760h"`

	CAFlags `embed:""`
}

func (c *PolicyCheckCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	certType, err := models.ParseCertificateType(c.Type)
	if err != nil {
		return err
	}
	alg, err := models.ParseSignatureAlgorithm(c.Algorithm)
	if err != nil {
		return err
	}
	var kem models.KEMAlgorithm
	if c.KEM != "" {
		if kem, err = models.ParseKEMAlgorithm(c.KEM); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, &c.CAFlags)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	res, err := a.engine.Evaluate(ctx, certType, policy.Request{
		SignatureAlgorithm: alg,
		KEMAlgorithm:       kem,
		SubjectDN:          c.Subject,
		NotBefore:          now,
		NotAfter:           now.Add(c.Validity),
	})
	if err != nil {
		return err
	}

	if !res.Allowed {
		fmt.Printf("denied by %s: %s (%s)\n", res.PolicyID, res.Reason, res.Rule)
		return fmt.Errorf("request violates policy %s", res.PolicyID)
	}
	fmt.Printf("allowed by %s\n", res.PolicyID)
	return nil
}
