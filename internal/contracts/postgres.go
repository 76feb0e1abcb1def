package contracts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresRepository mirrors contract records into postgres so they
// survive restarts and are queryable by reporting tools.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the contracts table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS contracts (
			id               UUID PRIMARY KEY,
			owner_id         UUID NOT NULL,
			commodity        TEXT NOT NULL,
			contract_type    TEXT NOT NULL,
			quantity         NUMERIC NOT NULL,
			locked_price     NUMERIC NOT NULL,
			settlement_date  DATE NOT NULL,
			status           TEXT NOT NULL,
			actual_gain_loss NUMERIC,
			final_price      NUMERIC,
			ledger_index     BIGINT,
			ledger_hash      TEXT,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			settled_at       TIMESTAMPTZ,
			version          INT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create contracts schema: %w", err)
	}
	return nil
}

// SaveContract upserts a contract record keyed by id.
func (r *PostgresRepository) SaveContract(ctx context.Context, c *Contract) error {
	var (
		gainLoss, finalPrice sql.NullString
		ledgerIndex          sql.NullInt64
		ledgerHash           sql.NullString
		settledAt            sql.NullTime
	)
	if c.ActualGainLoss != nil {
		gainLoss = sql.NullString{String: c.ActualGainLoss.String(), Valid: true}
	}
	if c.FinalPrice != nil {
		finalPrice = sql.NullString{String: c.FinalPrice.String(), Valid: true}
	}
	if c.LedgerRef != nil {
		ledgerIndex = sql.NullInt64{Int64: int64(c.LedgerRef.Index), Valid: true}
		ledgerHash = sql.NullString{String: c.LedgerRef.Hash, Valid: true}
	}
	if c.SettledAt != nil {
		settledAt = sql.NullTime{Time: *c.SettledAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contracts (id, owner_id, commodity, contract_type, quantity, locked_price,
		                        settlement_date, status, actual_gain_loss, final_price,
		                        ledger_index, ledger_hash, created_at, updated_at, settled_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			actual_gain_loss = EXCLUDED.actual_gain_loss,
			final_price = EXCLUDED.final_price,
			ledger_index = EXCLUDED.ledger_index,
			ledger_hash = EXCLUDED.ledger_hash,
			updated_at = EXCLUDED.updated_at,
			settled_at = EXCLUDED.settled_at,
			version = EXCLUDED.version
		 WHERE contracts.version <= EXCLUDED.version`,
		c.ID, c.OwnerID, c.Commodity, c.Kind, c.Quantity.String(), c.LockedPrice.String(),
		c.SettlementDate, c.Status, gainLoss, finalPrice,
		ledgerIndex, ledgerHash, c.CreatedAt, c.UpdatedAt, settledAt, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract %s: %w", c.ID, err)
	}
	return nil
}

// DeleteContract is intentionally absent: settled and cancelled
// contracts are retained for audit.

// CountByStatus returns contract counts grouped by status, for the
// auditor's summary output.
func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM contracts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count contracts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// MissingLedgerRefs returns ids of non-Active contracts whose audit
// append never landed, the input to a reconciliation retry.
func (r *PostgresRepository) MissingLedgerRefs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM contracts WHERE status <> $1 AND ledger_hash IS NULL`,
		StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing ledger refs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
