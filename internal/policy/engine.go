package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
	"github.com/wolfeidau/hybridca/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request is the subset of an issuance request the policy rules look at.
type Request struct {
	SignatureAlgorithm models.SignatureAlgorithm
	KEMAlgorithm       models.KEMAlgorithm // empty when no KEM was requested
	SubjectDN          string
	NotBefore          time.Time
	NotAfter           time.Time
}

// Result is the outcome of evaluating a request. Rule and Reason are set only
// when Allowed is false.
type Result struct {
	Allowed  bool
	PolicyID string
	Rule     string
	Reason   string
}

// Evaluate applies a single policy's rules in order: cryptographic, validity
// period, subject DN. It is pure and never fails.
func Evaluate(p *models.CertificatePolicy, req Request) Result {
	res := Result{PolicyID: p.ID}

	if !p.Crypto.Allows(req.SignatureAlgorithm, req.KEMAlgorithm) {
		res.Rule = models.RuleCryptographic
		res.Reason = fmt.Sprintf("algorithm %s/%s not permitted", req.SignatureAlgorithm, kemLabel(req.KEMAlgorithm))
		return res
	}
	if !p.Validity.Allows(req.NotBefore, req.NotAfter) {
		res.Rule = models.RuleValidityPeriod
		res.Reason = fmt.Sprintf("validity of %d days outside [%d, %d]",
			models.ValidityDays(req.NotBefore, req.NotAfter), p.Validity.MinDays, p.Validity.MaxDays)
		return res
	}
	if reason := p.Subject.Check(req.SubjectDN); reason != "" {
		res.Rule = models.RuleSubjectDN
		res.Reason = reason
		return res
	}

	res.Allowed = true
	return res
}

func kemLabel(k models.KEMAlgorithm) string {
	if k == "" {
		return "none"
	}
	return string(k)
}

// Engine evaluates requests against the enabled policy for a certificate type.
type Engine struct {
	policies store.PolicyStore
}

// NewEngine creates an engine backed by a policy store.
func NewEngine(policies store.PolicyStore) *Engine {
	return &Engine{policies: policies}
}

// Policy returns the enabled policy for a certificate type.
func (e *Engine) Policy(ctx context.Context, certType models.CertificateType) (*models.CertificatePolicy, error) {
	p, err := e.policies.GetEnabled(ctx, certType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("policy", models.KindPolicyNotFound,
				fmt.Errorf("no enabled policy for %s", certType))
		}
		return nil, fmt.Errorf("failed to load policy for %s: %w", certType, err)
	}
	return p, nil
}

// Evaluate evaluates the request against the enabled policy for certType.
// Non-compliance is reported through Result, not through the error.
func (e *Engine) Evaluate(ctx context.Context, certType models.CertificateType, req Request) (Result, error) {
	p, err := e.Policy(ctx, certType)
	if err != nil {
		return Result{}, err
	}

	res := Evaluate(p, req)
	if !res.Allowed {
		telemetry.GetMetrics().PolicyViolationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", res.Rule),
			attribute.String("certificate_type", string(certType)),
		))
		log.Debug().
			Str("policy_id", p.ID).
			Str("rule", res.Rule).
			Str("reason", res.Reason).
			Msg("Policy evaluation failed")
	}
	return res, nil
}

// Check is Evaluate with non-compliance returned as a PolicyViolation error.
func (e *Engine) Check(ctx context.Context, certType models.CertificateType, req Request) error {
	res, err := e.Evaluate(ctx, certType, req)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return models.PolicyViolation("policy", res.Rule, res.Reason)
	}
	return nil
}

// RequiresHybridSignature reports whether the enabled policy mandates a hybrid certificate.
func (e *Engine) RequiresHybridSignature(ctx context.Context, certType models.CertificateType) (bool, error) {
	p, err := e.Policy(ctx, certType)
	if err != nil {
		return false, err
	}
	return p.Crypto.RequireHybridSignature, nil
}
