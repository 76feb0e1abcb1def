package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeContractOpened    = "contract.opened"
	EventTypeContractSettled   = "contract.settled"
	EventTypeContractCancelled = "contract.cancelled"

	EventTypeBlockSealed = "ledger.block_sealed"

	EventTypeSweepCompleted = "settlement.sweep_completed"

	EventTypePriceTick = "price.tick"
)

// ContractEvent carries a contract lifecycle change.
type ContractEvent struct {
	ContractID     uuid.UUID `json:"contract_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Commodity      string    `json:"commodity"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Quantity       string    `json:"quantity"`
	LockedPrice    string    `json:"locked_price"`
	FinalPrice     string    `json:"final_price,omitempty"`
	ActualGainLoss string    `json:"actual_gain_loss,omitempty"`
	SettlementDate string    `json:"settlement_date"`
	Timestamp      time.Time `json:"timestamp"`
}

// BlockSealedEvent announces a newly sealed ledger block.
type BlockSealedEvent struct {
	Index     uint64    `json:"index"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
	EventKind string    `json:"event_kind"`
	Timestamp time.Time `json:"timestamp"`
}

// SweepCompletedEvent summarizes a settlement sweep run.
type SweepCompletedEvent struct {
	AsOf                string    `json:"as_of"`
	Settled             int       `json:"settled"`
	SkippedMissingPrice int       `json:"skipped_missing_price"`
	TotalCandidates     int       `json:"total_candidates"`
	Timestamp           time.Time `json:"timestamp"`
}

// PriceTickEvent carries a commodity price sample.
type PriceTickEvent struct {
	Commodity string    `json:"commodity"`
	Price     string    `json:"price"`
	AsOf      time.Time `json:"as_of"`
}
