package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/wolfeidau/hybridca"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Issuance metrics
	CertificatesIssuedTotal  metric.Int64Counter
	CertificatesRevokedTotal metric.Int64Counter
	IssuanceDuration         metric.Float64Histogram
	PolicyViolationsTotal    metric.Int64Counter

	// CRL metrics
	CRLGeneratedTotal    metric.Int64Counter
	CRLUploadErrorsTotal metric.Int64Counter

	// Revocation status metrics
	RevocationChecksTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.CertificatesIssuedTotal, _ = meter.Int64Counter(
		"hybridca.certificates.issued.total",
		metric.WithDescription("Total number of certificates issued"),
		metric.WithUnit("{certificate}"),
	)

	m.CertificatesRevokedTotal, _ = meter.Int64Counter(
		"hybridca.certificates.revoked.total",
		metric.WithDescription("Total number of certificates revoked"),
		metric.WithUnit("{certificate}"),
	)

	m.IssuanceDuration, _ = meter.Float64Histogram(
		"hybridca.issuance.duration",
		metric.WithDescription("Duration of certificate issuance including signing"),
		metric.WithUnit("ms"),
	)

	m.PolicyViolationsTotal, _ = meter.Int64Counter(
		"hybridca.policy.violations.total",
		metric.WithDescription("Total number of requests rejected by policy"),
		metric.WithUnit("{violation}"),
	)

	m.CRLGeneratedTotal, _ = meter.Int64Counter(
		"hybridca.crl.generated.total",
		metric.WithDescription("Total number of CRLs generated"),
		metric.WithUnit("{crl}"),
	)

	m.CRLUploadErrorsTotal, _ = meter.Int64Counter(
		"hybridca.crl.upload.errors.total",
		metric.WithDescription("Total number of CRL publication failures after retries"),
		metric.WithUnit("{error}"),
	)

	m.RevocationChecksTotal, _ = meter.Int64Counter(
		"hybridca.revocation.checks.total",
		metric.WithDescription("Total number of revocation status lookups"),
		metric.WithUnit("{check}"),
	)

	return m
}
