// Package archive persists the append-only audit trail to Postgres.
// The engine's in-memory trail is authoritative for the running process;
// the archive exists so auditors and regulators can query history after
// restarts and across deployments.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openreserve/reserved/internal/engine"
)

// Store writes audit records and reads them back.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables the service needs. Safe to run on every
// startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id UUID PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			id BIGINT PRIMARY KEY,
			asset_id BIGINT NOT NULL,
			auditor UUID NOT NULL,
			reserves NUMERIC(20) NOT NULL,
			supply NUMERIC(20) NOT NULL,
			ratio_bps NUMERIC(20) NOT NULL,
			height BIGINT NOT NULL,
			verified BOOLEAN NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_records_asset_idx ON audit_records (asset_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// ArchiveAudit appends one audit record. Records are immutable; a conflict
// on the primary key means the record was already archived and is not an
// error.
func (s *Store) ArchiveAudit(ctx context.Context, rec engine.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, asset_id, auditor, reserves, supply, ratio_bps, height, verified, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.AssetID, rec.Auditor,
		rec.Reserves, rec.Supply, rec.RatioBps,
		rec.Height, rec.Verified, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive audit record: %w", err)
	}
	return nil
}

// AuditHistory returns archived records for an asset in id order.
func (s *Store) AuditHistory(ctx context.Context, assetID uint64, limit int) ([]engine.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, auditor, reserves, supply, ratio_bps, height, verified
		 FROM audit_records WHERE asset_id = $1 ORDER BY id LIMIT $2`,
		assetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []engine.AuditRecord
	for rows.Next() {
		var rec engine.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.AssetID, &rec.Auditor,
			&rec.Reserves, &rec.Supply, &rec.RatioBps,
			&rec.Height, &rec.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
