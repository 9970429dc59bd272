package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/models"
	"github.com/wolfeidau/hybridca/internal/store"
)

var _ store.RevocationSnapshotStore = (*RevocationSnapshotStore)(nil)

// RevocationSnapshotStore keeps the latest revocation snapshot of each CA in
// PostgreSQL. Entries are bulk loaded with COPY and the CA's older snapshots
// are dropped in the same transaction.
type RevocationSnapshotStore struct {
	querier
}

// Save replaces the snapshot of snap.CAID.
func (s *RevocationSnapshotStore) Save(ctx context.Context, snap *store.RevocationSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO revocation_snapshots (
			ca_id, ca_name, crl_number, issuer_dn, this_update, next_update, url, revoked_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		snap.CAID,
		snap.CAName,
		snap.Metadata.Number,
		snap.Metadata.IssuerDN,
		snap.Metadata.ThisUpdate,
		snap.Metadata.NextUpdate,
		snap.Metadata.URL,
		len(snap.Entries),
		snap.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", mapPostgresError(err))
	}

	rows := make([][]any, len(snap.Entries))
	for i, e := range snap.Entries {
		rows[i] = []any{id, e.SerialNumber, e.RevokedAt, int32(e.Reason)}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"revocation_snapshot_entries"},
		[]string{"snapshot_id", "serial_number", "revoked_at", "reason"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy snapshot entries: %w", mapPostgresError(err))
	}

	// only this CA's history; other CAs keep their snapshots
	if _, err := tx.Exec(ctx, `DELETE FROM revocation_snapshots WHERE ca_id = $1 AND id < $2`, snap.CAID, id); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	log.Debug().
		Int64("snapshot_id", id).
		Str("ca_id", snap.CAID.String()).
		Int64("crl_number", snap.Metadata.Number).
		Int("revoked_count", len(snap.Entries)).
		Msg("Saved revocation snapshot")

	return nil
}

// List returns the newest snapshot of every CA with its entries.
func (s *RevocationSnapshotStore) List(ctx context.Context) ([]*store.RevocationSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (ca_id)
			id, ca_id, ca_name, crl_number, issuer_dn, this_update, next_update, url, revoked_count, updated_at
		FROM revocation_snapshots
		ORDER BY ca_id, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", mapPostgresError(err))
	}

	var (
		ids   []int64
		snaps []*store.RevocationSnapshot
	)
	for rows.Next() {
		var (
			id   int64
			snap store.RevocationSnapshot
		)
		if err := rows.Scan(
			&id,
			&snap.CAID,
			&snap.CAName,
			&snap.Metadata.Number,
			&snap.Metadata.IssuerDN,
			&snap.Metadata.ThisUpdate,
			&snap.Metadata.NextUpdate,
			&snap.Metadata.URL,
			&snap.Metadata.RevokedCount,
			&snap.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		ids = append(ids, id)
		snaps = append(snaps, &snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	for i, snap := range snaps {
		entries, err := s.entries(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		snap.Entries = entries
	}

	slices.SortFunc(snaps, func(a, b *store.RevocationSnapshot) int {
		return strings.Compare(a.CAName, b.CAName)
	})
	return snaps, nil
}

func (s *RevocationSnapshotStore) entries(ctx context.Context, snapshotID int64) ([]models.RevokedEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT serial_number, revoked_at, reason
		FROM revocation_snapshot_entries
		WHERE snapshot_id = $1
		ORDER BY serial_number
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot entries: %w", mapPostgresError(err))
	}
	defer rows.Close()

	out := []models.RevokedEntry{}
	for rows.Next() {
		var (
			e      models.RevokedEntry
			reason int32
		)
		if err := rows.Scan(&e.SerialNumber, &e.RevokedAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot entry: %w", err)
		}
		e.Reason = models.RevocationReason(reason)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot entries: %w", err)
	}
	return out, nil
}
