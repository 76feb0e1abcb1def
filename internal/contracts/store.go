package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("contract not found")

	// ErrInvalidState is returned when a transition is attempted from a
	// state that forbids it, e.g. settling an already-settled contract.
	ErrInvalidState = errors.New("contract state forbids this transition")
)

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Repository persists contract records. Implementations are best-effort
// mirrors of the in-memory state; the Store is authoritative.
type Repository interface {
	SaveContract(ctx context.Context, contract *Contract) error
}

// OpenParams are the inputs to Open.
type OpenParams struct {
	OwnerID        uuid.UUID
	Commodity      Commodity
	Kind           Kind
	Quantity       decimal.Decimal
	LockedPrice    decimal.Decimal
	SettlementDate time.Time
}

func (p *OpenParams) validate() error {
	if p.OwnerID == uuid.Nil {
		return &ValidationError{Field: "owner_id", Reason: "must be set"}
	}
	if !p.Commodity.Valid() {
		return &ValidationError{Field: "commodity", Reason: fmt.Sprintf("unknown commodity %q", p.Commodity)}
	}
	if !p.Kind.Valid() {
		return &ValidationError{Field: "contract_type", Reason: fmt.Sprintf("unknown contract type %q", p.Kind)}
	}
	if !p.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if !p.LockedPrice.IsPositive() {
		return &ValidationError{Field: "locked_price", Reason: "must be greater than zero"}
	}
	if p.SettlementDate.IsZero() {
		return &ValidationError{Field: "settlement_date", Reason: "must be a calendar date"}
	}
	return nil
}

// Store owns contract entities and their lifecycle. Each contract is
// guarded by its own lock, so settlement of one contract never blocks
// settlement of another; the state check and state write for a
// transition happen under that lock as a single compare-and-set.
// Contracts are never deleted; terminal contracts are retained for audit.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	repo   Repository
	logger *zap.Logger
}

type entry struct {
	mu       sync.Mutex
	contract *Contract
}

// NewStore creates a contract store. repo may be nil.
func NewStore(repo Repository, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[uuid.UUID]*entry),
		repo:    repo,
		logger:  logger,
	}
}

// Open validates params and creates an Active contract.
func (s *Store) Open(ctx context.Context, params OpenParams) (*Contract, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contract := &Contract{
		ID:             uuid.New(),
		OwnerID:        params.OwnerID,
		Commodity:      params.Commodity,
		Kind:           params.Kind,
		Quantity:       params.Quantity,
		LockedPrice:    params.LockedPrice,
		SettlementDate: DateOf(params.SettlementDate),
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	s.mu.Lock()
	s.entries[contract.ID] = &entry{contract: contract}
	s.mu.Unlock()

	s.persist(ctx, contract)
	s.logger.Info("contract opened",
		zap.String("contract_id", contract.ID.String()),
		zap.String("owner_id", contract.OwnerID.String()),
		zap.String("commodity", string(contract.Commodity)))

	return contract.clone(), nil
}

// Settle transitions an Active contract to Settled, writing
// actual_gain_loss = (final_price - locked_price) * quantity exactly
// once. Settlement from any other state fails with ErrInvalidState.
func (s *Store) Settle(ctx context.Context, id uuid.UUID, finalPrice decimal.Decimal) (*Contract, error) {
	if !finalPrice.IsPositive() {
		return nil, &ValidationError{Field: "final_price", Reason: "must be greater than zero"}
	}

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.contract
	if c.Status != StatusActive {
		return nil, fmt.Errorf("settle %s from %s: %w", id, c.Status, ErrInvalidState)
	}

	gainLoss := finalPrice.Sub(c.LockedPrice).Mul(c.Quantity)
	now := time.Now().UTC()

	c.Status = StatusSettled
	c.ActualGainLoss = &gainLoss
	c.FinalPrice = &finalPrice
	c.SettledAt = &now
	c.UpdatedAt = now
	c.Version++

	s.persist(ctx, c)
	s.logger.Info("contract settled",
		zap.String("contract_id", c.ID.String()),
		zap.String("final_price", finalPrice.String()),
		zap.String("actual_gain_loss", gainLoss.String()))

	return c.clone(), nil
}

// Cancel transitions an Active contract to Cancelled. No gain/loss
// fields are written.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*Contract, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.contract
	if c.Status != StatusActive {
		return nil, fmt.Errorf("cancel %s from %s: %w", id, c.Status, ErrInvalidState)
	}

	c.Status = StatusCancelled
	c.UpdatedAt = time.Now().UTC()
	c.Version++

	s.persist(ctx, c)
	s.logger.Info("contract cancelled", zap.String("contract_id", c.ID.String()))

	return c.clone(), nil
}

// SetLedgerRef records the most recent ledger block referencing the
// contract. Passing a nil ref marks the audit write as owed.
func (s *Store) SetLedgerRef(ctx context.Context, id uuid.UUID, ref *LedgerRef) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.contract.LedgerRef = ref
	e.contract.UpdatedAt = time.Now().UTC()
	s.persist(ctx, e.contract)
	return nil
}

// Get returns a snapshot of a contract.
func (s *Store) Get(id uuid.UUID) (*Contract, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contract.clone(), nil
}

// ListByOwner returns the owner's contracts, optionally filtered by status.
func (s *Store) ListByOwner(ownerID uuid.UUID, status *Status) []*Contract {
	return s.list(func(c *Contract) bool {
		if c.OwnerID != ownerID {
			return false
		}
		return status == nil || c.Status == *status
	})
}

// Due returns all Active contracts with settlement_date <= asOf, the
// candidate set for a settlement sweep.
func (s *Store) Due(asOf time.Time) []*Contract {
	return s.list(func(c *Contract) bool {
		return c.Due(asOf)
	})
}

// Count returns the number of contracts ever opened.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) list(keep func(*Contract) bool) []*Contract {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Contract, 0)
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.contract) {
			out = append(out, e.contract.clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) entry(id uuid.UUID) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *Store) persist(ctx context.Context, c *Contract) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveContract(ctx, c.clone()); err != nil {
		s.logger.Warn("failed to persist contract",
			zap.String("contract_id", c.ID.String()), zap.Error(err))
	}
}

func (c *Contract) clone() *Contract {
	out := *c
	if c.ActualGainLoss != nil {
		v := *c.ActualGainLoss
		out.ActualGainLoss = &v
	}
	if c.FinalPrice != nil {
		v := *c.FinalPrice
		out.FinalPrice = &v
	}
	if c.SettledAt != nil {
		v := *c.SettledAt
		out.SettledAt = &v
	}
	if c.LedgerRef != nil {
		v := *c.LedgerRef
		out.LedgerRef = &v
	}
	return &out
}
