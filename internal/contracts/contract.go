package contracts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the contract lifecycle state. Active is initial; Settled and
// Cancelled are terminal. Expired is declared for wire compatibility but
// no transition produces it: overdue contracts are settled against the
// latest available price by the sweep, never lapsed.
type Status string

const (
	StatusActive    Status = "active"
	StatusSettled   Status = "settled"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSettled, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Kind is the hedging contract type.
type Kind string

const (
	KindForward    Kind = "forward"
	KindFutures    Kind = "futures"
	KindOptionCall Kind = "options_call"
	KindOptionPut  Kind = "options_put"
)

// Valid reports whether k is a known contract kind.
func (k Kind) Valid() bool {
	switch k {
	case KindForward, KindFutures, KindOptionCall, KindOptionPut:
		return true
	}
	return false
}

// Commodity identifies the hedged crop.
type Commodity string

const (
	CommoditySoybean   Commodity = "soybean"
	CommodityMustard   Commodity = "mustard"
	CommodityGroundnut Commodity = "groundnut"
	CommoditySunflower Commodity = "sunflower"
)

// Commodities lists all supported commodities.
func Commodities() []Commodity {
	return []Commodity{CommoditySoybean, CommodityMustard, CommodityGroundnut, CommoditySunflower}
}

// Valid reports whether c is a supported commodity.
func (c Commodity) Valid() bool {
	switch c {
	case CommoditySoybean, CommodityMustard, CommodityGroundnut, CommoditySunflower:
		return true
	}
	return false
}

// LedgerRef points at the most recent ledger block referencing a
// contract. Advisory only: the ledger itself is authoritative. A nil ref
// on a non-Active contract means the audit append failed and is owed a
// reconciliation retry.
type LedgerRef struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

// Contract is a virtual hedging contract. Quantity is in quintals,
// prices are per quintal.
type Contract struct {
	ID             uuid.UUID       `json:"id"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	Commodity      Commodity       `json:"commodity"`
	Kind           Kind            `json:"contract_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LockedPrice    decimal.Decimal `json:"locked_price"`
	SettlementDate time.Time       `json:"settlement_date"`
	Status         Status          `json:"status"`

	// ActualGainLoss is written exactly once, at settlement.
	ActualGainLoss *decimal.Decimal `json:"actual_gain_loss,omitempty"`
	FinalPrice     *decimal.Decimal `json:"final_price,omitempty"`

	LedgerRef *LedgerRef `json:"ledger_reference,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
	Version   int        `json:"version"`
}

// Due reports whether the contract should be picked up by a settlement
// sweep running on the given day.
func (c *Contract) Due(asOf time.Time) bool {
	return c.Status == StatusActive && !c.SettlementDate.After(DateOf(asOf))
}

// DateOf truncates an instant to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
