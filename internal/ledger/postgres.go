package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresArchive persists sealed blocks in append order. It implements
// Archive and backs the offline auditor.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive creates an archive over an open database handle.
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// EnsureSchema creates the blocks table if it does not exist.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS ledger_blocks (
			index         BIGINT PRIMARY KEY,
			timestamp     TIMESTAMPTZ NOT NULL,
			payload       JSONB NOT NULL,
			previous_hash TEXT NOT NULL,
			nonce         BIGINT NOT NULL,
			hash          TEXT NOT NULL UNIQUE
		)`)
	if err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// SaveBlock stores a sealed block. Blocks are immutable, so a conflict on
// index means the block is already archived and the write is a no-op.
func (a *PostgresArchive) SaveBlock(ctx context.Context, block *Block) error {
	payload, err := json.Marshal(block.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO ledger_blocks (index, timestamp, payload, previous_hash, nonce, hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (index) DO NOTHING`,
		block.Index, block.Timestamp, payload, block.PrevHash, block.Nonce, block.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// LoadBlocks returns all archived blocks in append order.
func (a *PostgresArchive) LoadBlocks(ctx context.Context) ([]Block, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT index, timestamp, payload, previous_hash, nonce, hash
		 FROM ledger_blocks ORDER BY index ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var (
			block   Block
			payload []byte
		)
		if err := rows.Scan(&block.Index, &block.Timestamp, &payload,
			&block.PrevHash, &block.Nonce, &block.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if err := json.Unmarshal(payload, &block.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for block %d: %w", block.Index, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}
