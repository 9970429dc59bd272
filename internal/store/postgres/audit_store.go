package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.AuditStore = (*AuditStore)(nil)

// AuditStore implements store.AuditStore using PostgreSQL. Records are
// append-only; there is no update or delete path.
type AuditStore struct {
	querier
}

const auditColumns = `
	id, event_id, event_type, operation, operator, resource, client_ip,
	result, payload, payload_hash, occurred_at, recorded_at`

func scanAudit(row pgx.Row) (*store.AuditRecord, error) {
	var rec store.AuditRecord
	err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.EventType,
		&rec.Operation,
		&rec.Operator,
		&rec.Resource,
		&rec.ClientIP,
		&rec.Result,
		&rec.Payload,
		&rec.PayloadHash,
		&rec.OccurredAt,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Append inserts an audit record.
func (s *AuditStore) Append(ctx context.Context, rec *store.AuditRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO audit_records (` + auditColumns + `) VALUES (` + placeholders(1, 12) + `)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.EventID,
		rec.EventType,
		rec.Operation,
		rec.Operator,
		rec.Resource,
		rec.ClientIP,
		rec.Result,
		rec.Payload,
		rec.PayloadHash,
		rec.OccurredAt,
		rec.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to append audit record: %w", mapPostgresError(err))
	}
	return nil
}

// Get retrieves one audit record.
func (s *AuditStore) Get(ctx context.Context, id uuid.UUID) (*store.AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := scanAudit(s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id = $1`, id))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return rec, nil
}

// Query returns matching records in append order.
func (s *AuditStore) Query(ctx context.Context, q store.AuditQuery) ([]*store.AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Operator != "" {
		add("operator = $%d", q.Operator)
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at <= $%d", q.To)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", mapPostgresError(err))
	}
	defer rows.Close()

	result := []*store.AuditRecord{}
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return result, nil
}
