package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agrihedge/hedgecore/internal/contracts"
	"github.com/agrihedge/hedgecore/internal/ledger"
	"github.com/agrihedge/hedgecore/internal/metrics"
	"github.com/agrihedge/hedgecore/internal/oracle"
	"github.com/agrihedge/hedgecore/pkg/messaging"
)

// Ledger event kinds written to block payloads.
const (
	eventContractOpened    = "contract_opened"
	eventContractSettled   = "contract_settled"
	eventContractCancelled = "contract_cancelled"
)

const defaultSweepFanOut = 4

// Config wires the engine's collaborators. Bus and Metrics may be nil.
type Config struct {
	Store   *contracts.Store
	Chain   *ledger.Chain
	Oracle  oracle.PriceOracle
	Bus     *messaging.Client
	Metrics *metrics.Engine
	Logger  *zap.Logger

	// SweepFanOut bounds how many contracts a sweep settles in parallel.
	SweepFanOut int
}

// Engine orchestrates mark-to-market valuation and the settle/sweep
// workflow over the contract store, price oracle and ledger.
type Engine struct {
	store   *contracts.Store
	chain   *ledger.Chain
	oracle  oracle.PriceOracle
	bus     *messaging.Client
	metrics *metrics.Engine
	logger  *zap.Logger

	sweepFanOut int
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SweepFanOut <= 0 {
		cfg.SweepFanOut = defaultSweepFanOut
	}
	return &Engine{
		store:       cfg.Store,
		chain:       cfg.Chain,
		oracle:      cfg.Oracle,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		sweepFanOut: cfg.SweepFanOut,
	}
}

// Valuation is a mark-to-market view of an open contract. Both legs of
// the calculation use the same price sample, fetched once per call.
type Valuation struct {
	ContractID        uuid.UUID           `json:"contract_id"`
	Commodity         contracts.Commodity `json:"commodity"`
	LockedPrice       decimal.Decimal     `json:"locked_price"`
	CurrentPrice      decimal.Decimal     `json:"current_price"`
	Quantity          decimal.Decimal     `json:"quantity"`
	PotentialGainLoss decimal.Decimal     `json:"potential_gain_loss"`
	PercentageChange  decimal.Decimal     `json:"percentage_change"`
	IsProfitable      bool                `json:"is_profitable"`
	AsOf              time.Time           `json:"as_of"`
}

// SweepReport summarizes one settlement sweep.
type SweepReport struct {
	Settled             int `json:"settled"`
	SkippedMissingPrice int `json:"skipped_missing_price"`
	TotalCandidates     int `json:"total_candidates"`
}

// OwnerSummary aggregates an owner's portfolio.
type OwnerSummary struct {
	TotalContracts       int                         `json:"total_contracts"`
	ActiveContracts      int                         `json:"active_contracts"`
	SettledContracts     int                         `json:"settled_contracts"`
	CancelledContracts   int                         `json:"cancelled_contracts"`
	TotalQuantity        decimal.Decimal             `json:"total_quantity"`
	TotalLockedValue     decimal.Decimal             `json:"total_locked_value"`
	OpenGainLoss         decimal.Decimal             `json:"open_gain_loss"`
	ContractsByCommodity map[contracts.Commodity]int `json:"contracts_by_commodity"`
}

// OpenContract creates an Active contract and audits it to the ledger.
func (e *Engine) OpenContract(ctx context.Context, params contracts.OpenParams) (*contracts.Contract, error) {
	contract, err := e.store.Open(ctx, params)
	if e.metrics != nil {
		e.metrics.ObserveTransition(eventContractOpened, err)
	}
	if err != nil {
		return nil, err
	}

	contract = e.recordEvent(ctx, eventContractOpened, contract, nil)
	e.publishContract(ctx, messaging.EventTypeContractOpened, contract)
	return contract, nil
}

// GetContract returns a contract snapshot.
func (e *Engine) GetContract(id uuid.UUID) (*contracts.Contract, error) {
	return e.store.Get(id)
}

// ListContracts returns an owner's contracts, optionally status-filtered.
func (e *Engine) ListContracts(ownerID uuid.UUID, status *contracts.Status) []*contracts.Contract {
	return e.store.ListByOwner(ownerID, status)
}

// SettleContract settles an Active contract at finalPrice. Settlement is
// exactly-once: a concurrent duplicate observes ErrInvalidState.
func (e *Engine) SettleContract(ctx context.Context, id uuid.UUID, finalPrice decimal.Decimal) (*contracts.Contract, error) {
	contract, err := e.store.Settle(ctx, id, finalPrice)
	if e.metrics != nil {
		e.metrics.ObserveTransition(eventContractSettled, err)
	}
	if err != nil {
		return nil, err
	}

	contract = e.recordEvent(ctx, eventContractSettled, contract, func(p ledger.Payload) {
		p["final_price"] = finalPrice.String()
		p["actual_gain_loss"] = contract.ActualGainLoss.String()
	})
	e.publishContract(ctx, messaging.EventTypeContractSettled, contract)
	return contract, nil
}

// CancelContract cancels an Active contract.
func (e *Engine) CancelContract(ctx context.Context, id uuid.UUID) (*contracts.Contract, error) {
	contract, err := e.store.Cancel(ctx, id)
	if e.metrics != nil {
		e.metrics.ObserveTransition(eventContractCancelled, err)
	}
	if err != nil {
		return nil, err
	}

	contract = e.recordEvent(ctx, eventContractCancelled, contract, nil)
	e.publishContract(ctx, messaging.EventTypeContractCancelled, contract)
	return contract, nil
}

// MarkToMarket values a contract against the current price feed without
// settling it. ok is false when the oracle has no price for the
// commodity, a normal condition rather than an error.
func (e *Engine) MarkToMarket(ctx context.Context, id uuid.UUID) (*Valuation, bool, error) {
	contract, err := e.store.Get(id)
	if err != nil {
		return nil, false, err
	}

	quote, ok, err := e.oracle.LatestPrice(ctx, contract.Commodity)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	diff := quote.Price.Sub(contract.LockedPrice)
	potential := diff.Mul(contract.Quantity)

	return &Valuation{
		ContractID:        contract.ID,
		Commodity:         contract.Commodity,
		LockedPrice:       contract.LockedPrice,
		CurrentPrice:      quote.Price,
		Quantity:          contract.Quantity,
		PotentialGainLoss: potential,
		PercentageChange:  diff.Div(contract.LockedPrice).Mul(decimal.NewFromInt(100)),
		IsProfitable:      potential.IsPositive(),
		AsOf:              quote.AsOf,
	}, true, nil
}

// Sweep settles every Active contract whose settlement date is on or
// before today, against the latest available price. Contracts whose
// commodity has no current price are skipped and reported; one missing
// price never aborts the sweep for the others. Running the sweep twice
// on the same day is idempotent because settled contracts drop out of
// the candidate set.
func (e *Engine) Sweep(ctx context.Context, today time.Time) (SweepReport, error) {
	started := time.Now()
	candidates := e.store.Due(today)

	report := SweepReport{TotalCandidates: len(candidates)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.sweepFanOut)

	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			quote, ok, err := e.oracle.LatestPrice(ctx, candidate.Commodity)
			if err != nil {
				e.logger.Warn("sweep: price lookup failed, skipping contract",
					zap.String("contract_id", candidate.ID.String()),
					zap.String("commodity", string(candidate.Commodity)),
					zap.Error(err))
				mu.Lock()
				report.SkippedMissingPrice++
				mu.Unlock()
				return nil
			}
			if !ok {
				mu.Lock()
				report.SkippedMissingPrice++
				mu.Unlock()
				return nil
			}

			if _, err := e.SettleContract(ctx, candidate.ID, quote.Price); err != nil {
				// A manual settlement may have raced the sweep; exactly
				// one of them won and the contract is settled either way.
				e.logger.Debug("sweep: contract no longer settleable",
					zap.String("contract_id", candidate.ID.String()),
					zap.Error(err))
				return nil
			}

			mu.Lock()
			report.Settled++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if e.metrics != nil {
		e.metrics.ObserveSweep(report.Settled, report.SkippedMissingPrice, started)
	}
	e.publish(ctx, messaging.EventTypeSweepCompleted, messaging.SweepCompletedEvent{
		AsOf:                contracts.DateOf(today).Format("2006-01-02"),
		Settled:             report.Settled,
		SkippedMissingPrice: report.SkippedMissingPrice,
		TotalCandidates:     report.TotalCandidates,
		Timestamp:           time.Now().UTC(),
	})
	e.logger.Info("settlement sweep completed",
		zap.Int("settled", report.Settled),
		zap.Int("skipped_missing_price", report.SkippedMissingPrice),
		zap.Int("total_candidates", report.TotalCandidates))

	return report, nil
}

// Summary aggregates an owner's portfolio, valuing open contracts
// against the current feed.
func (e *Engine) Summary(ctx context.Context, ownerID uuid.UUID) OwnerSummary {
	all := e.store.ListByOwner(ownerID, nil)

	summary := OwnerSummary{
		TotalContracts:       len(all),
		TotalQuantity:        decimal.Zero,
		TotalLockedValue:     decimal.Zero,
		OpenGainLoss:         decimal.Zero,
		ContractsByCommodity: make(map[contracts.Commodity]int),
	}

	for _, c := range all {
		summary.TotalQuantity = summary.TotalQuantity.Add(c.Quantity)
		summary.TotalLockedValue = summary.TotalLockedValue.Add(c.LockedPrice.Mul(c.Quantity))
		summary.ContractsByCommodity[c.Commodity]++

		switch c.Status {
		case contracts.StatusActive:
			summary.ActiveContracts++
			if quote, ok, err := e.oracle.LatestPrice(ctx, c.Commodity); err == nil && ok {
				summary.OpenGainLoss = summary.OpenGainLoss.Add(
					quote.Price.Sub(c.LockedPrice).Mul(c.Quantity))
			}
		case contracts.StatusSettled:
			summary.SettledContracts++
		case contracts.StatusCancelled:
			summary.CancelledContracts++
		}
	}
	return summary
}

// Ledger exposes the chain for audit endpoints.
func (e *Engine) Ledger() *ledger.Chain {
	return e.chain
}

// recordEvent appends the contract transition to the ledger after the
// store mutation has committed. The append is best-effort: on failure
// the contract keeps a nil ledger reference for a reconciliation job to
// retry later, and the business operation still succeeds.
func (e *Engine) recordEvent(ctx context.Context, event string, c *contracts.Contract, extend func(ledger.Payload)) *contracts.Contract {
	payload := ledger.Payload{
		ledger.PayloadKeyEvent:    event,
		ledger.PayloadKeyContract: c.ID.String(),
		ledger.PayloadKeyOwner:    c.OwnerID.String(),
		"commodity":               string(c.Commodity),
		"contract_type":           string(c.Kind),
		"quantity":                c.Quantity.String(),
		"locked_price":            c.LockedPrice.String(),
		"settlement_date":         c.SettlementDate.Format("2006-01-02"),
	}
	if extend != nil {
		extend(payload)
	}

	started := time.Now()
	block, err := e.chain.Append(ctx, payload)
	if e.metrics != nil {
		e.metrics.ObserveSeal(err, started)
	}
	if err != nil {
		e.logger.Warn("ledger append failed, contract keeps nil ledger reference",
			zap.String("contract_id", c.ID.String()),
			zap.String("event", event),
			zap.Error(err))
		_ = e.store.SetLedgerRef(ctx, c.ID, nil)
		c.LedgerRef = nil
		return c
	}

	ref := &contracts.LedgerRef{Index: block.Index, Hash: block.Hash}
	if err := e.store.SetLedgerRef(ctx, c.ID, ref); err == nil {
		c.LedgerRef = ref
	}

	e.publish(ctx, messaging.EventTypeBlockSealed, messaging.BlockSealedEvent{
		Index:     block.Index,
		Hash:      block.Hash,
		PrevHash:  block.PrevHash,
		EventKind: event,
		Timestamp: block.Timestamp,
	})
	return c
}

func (e *Engine) publishContract(ctx context.Context, subject string, c *contracts.Contract) {
	event := messaging.ContractEvent{
		ContractID:     c.ID,
		OwnerID:        c.OwnerID,
		Commodity:      string(c.Commodity),
		Kind:           string(c.Kind),
		Status:         string(c.Status),
		Quantity:       c.Quantity.String(),
		LockedPrice:    c.LockedPrice.String(),
		SettlementDate: c.SettlementDate.Format("2006-01-02"),
		Timestamp:      time.Now().UTC(),
	}
	if c.FinalPrice != nil {
		event.FinalPrice = c.FinalPrice.String()
	}
	if c.ActualGainLoss != nil {
		event.ActualGainLoss = c.ActualGainLoss.String()
	}
	e.publish(ctx, subject, event)
}

func (e *Engine) publish(ctx context.Context, subject string, data interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, data); err != nil {
		e.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
