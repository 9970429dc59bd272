package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/events"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

const systemOperator = "system"

var _ events.Subscriber = (*Service)(nil)

// Service turns domain events into tamper-evident audit records.
type Service struct {
	records store.AuditStore
	now     func() time.Time
}

// NewService creates an audit service writing to records.
func NewService(records store.AuditStore) *Service {
	return &Service{records: records, now: time.Now}
}

// Handle records one event.
func (s *Service) Handle(ctx context.Context, evt events.Event) error {
	rec, err := s.record(evt)
	if err != nil {
		return err
	}
	if ip, ok := ClientIPFromContext(ctx); ok {
		rec.ClientIP = ip
	}

	if err := s.records.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	log.Info().
		Str("audit_id", rec.ID.String()).
		Str("event_type", rec.EventType).
		Str("operation", rec.Operation).
		Str("operator", rec.Operator).
		Str("resource", rec.Resource).
		Msg("Audit event recorded")
	return nil
}

func (s *Service) record(evt events.Event) (*store.AuditRecord, error) {
	h := evt.EventHeader()

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate audit id: %w", err)
	}

	rec := &store.AuditRecord{
		ID:          id,
		EventID:     h.ID,
		EventType:   string(h.Type),
		Operator:    systemOperator,
		Result:      "SUCCESS",
		Payload:     string(payload),
		PayloadHash: hashPayload(string(payload)),
		OccurredAt:  h.OccurredAt,
		RecordedAt:  s.now(),
	}

	switch e := evt.(type) {
	case events.CertificateIssued:
		rec.Operation = "ISSUE_CERTIFICATE"
		rec.Resource = e.SerialNumber
	case events.CertificateRevoked:
		rec.Operation = "REVOKE_CERTIFICATE"
		rec.Resource = e.SerialNumber
		if e.Operator != "" {
			rec.Operator = e.Operator
		}
	case events.CRLIssued:
		rec.Operation = "ISSUE_CRL"
		rec.Resource = fmt.Sprintf("%s/crl/%d", e.CAID, e.CRLNumber)
	case events.RenewalNoticeDue:
		rec.Operation = "RENEWAL_NOTICE"
		rec.Resource = e.SerialNumber
	case events.AuthenticationCompleted:
		rec.Operation = "AUTHENTICATE"
		rec.Resource = e.RequestID.String()
		rec.Operator = e.ApplicantID
		if e.Status == models.AuthValidationFailed {
			rec.Result = "FAILURE"
		}
	}
	return rec, nil
}

// Get returns one audit record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.AuditRecord, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("audit", models.KindInvalidInput, fmt.Errorf("audit record %s not found", id))
		}
		return nil, err
	}
	return rec, nil
}

// Query returns records matching the filter.
func (s *Service) Query(ctx context.Context, q store.AuditQuery) ([]*store.AuditRecord, error) {
	return s.records.Query(ctx, q)
}

// VerifyIntegrity reports whether the stored payload still matches its hash.
func (s *Service) VerifyIntegrity(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return Intact(rec), nil
}

// FindTampered returns the records in [from, to] whose payload hash no longer
// matches.
func (s *Service) FindTampered(ctx context.Context, from, to time.Time) ([]*store.AuditRecord, error) {
	recs, err := s.records.Query(ctx, store.AuditQuery{From: from, To: to})
	if err != nil {
		return nil, err
	}
	var tampered []*store.AuditRecord
	for _, rec := range recs {
		if !Intact(rec) {
			tampered = append(tampered, rec)
		}
	}
	if len(tampered) > 0 {
		log.Warn().Int("count", len(tampered)).Msg("Tampered audit records detected")
	}
	return tampered, nil
}

// Intact reports whether rec's payload hashes to its recorded hash.
func Intact(rec *store.AuditRecord) bool {
	if rec.Payload == "" || rec.PayloadHash == "" {
		return false
	}
	return hashPayload(rec.Payload) == rec.PayloadHash
}

func hashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return base64.StdEncoding.EncodeToString(sum[:])
}

type clientIPKey struct{}

// WithClientIP stores the caller address so audit records can carry it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey{}).(string)
	return ip, ok && ip != ""
}
