package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrihedge/hedgecore/internal/contracts"
	"github.com/agrihedge/hedgecore/internal/ledger"
	"github.com/agrihedge/hedgecore/internal/oracle"
)

func newTestEngine(t *testing.T) (*Engine, *contracts.Store, *oracle.Board, *ledger.Chain) {
	t.Helper()

	store := contracts.NewStore(nil, nil)
	chain, err := ledger.New(ledger.Config{Difficulty: 2})
	require.NoError(t, err)
	board := oracle.NewBoard()

	engine := NewEngine(Config{
		Store:  store,
		Chain:  chain,
		Oracle: board,
	})
	return engine, store, board, chain
}

func soybeanParams(owner uuid.UUID, settlement time.Time) contracts.OpenParams {
	return contracts.OpenParams{
		OwnerID:        owner,
		Commodity:      contracts.CommoditySoybean,
		Kind:           contracts.KindForward,
		Quantity:       decimal.NewFromInt(100),
		LockedPrice:    decimal.NewFromInt(4500),
		SettlementDate: settlement,
	}
}

func publishPrice(board *oracle.Board, commodity contracts.Commodity, price int64) {
	board.Publish(oracle.Quote{
		Commodity: commodity,
		Price:     decimal.NewFromInt(price),
		AsOf:      time.Now().UTC(),
	})
}

func TestMarkToMarket(t *testing.T) {
	t.Run("should value a contract against a single price sample", func(t *testing.T) {
		engine, _, board, _ := newTestEngine(t)
		ctx := context.Background()

		c, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		publishPrice(board, contracts.CommoditySoybean, 4700)

		valuation, ok, err := engine.MarkToMarket(ctx, c.ID)
		require.NoError(t, err)
		require.True(t, ok)

		// (4700 - 4500) * 100 = 20000
		assert.True(t, valuation.PotentialGainLoss.Equal(decimal.NewFromInt(20000)))
		// (4700 - 4500) / 4500 * 100 ~= 4.44
		assert.True(t, valuation.PercentageChange.Round(2).Equal(decimal.NewFromFloat(4.44)))
		assert.True(t, valuation.IsProfitable)
		assert.True(t, valuation.CurrentPrice.Equal(decimal.NewFromInt(4700)))
	})

	t.Run("is_profitable should track the sign of the gain", func(t *testing.T) {
		engine, _, board, _ := newTestEngine(t)
		ctx := context.Background()

		c, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		for _, tc := range []struct {
			price      int64
			profitable bool
		}{
			{4700, true},
			{4500, false}, // zero gain is not a profit
			{4300, false},
		} {
			publishPrice(board, contracts.CommoditySoybean, tc.price)

			valuation, ok, err := engine.MarkToMarket(ctx, c.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.profitable, valuation.IsProfitable, "price %d", tc.price)
			assert.Equal(t, tc.profitable, valuation.PotentialGainLoss.IsPositive())
		}
	})

	t.Run("should report no data when the oracle has no tick", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t)
		ctx := context.Background()

		c, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		valuation, ok, err := engine.MarkToMarket(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, valuation)
	})

	t.Run("should fail for an unknown contract", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t)

		_, _, err := engine.MarkToMarket(context.Background(), uuid.New())
		assert.ErrorIs(t, err, contracts.ErrNotFound)
	})
}

func TestSettleContract(t *testing.T) {
	t.Run("should settle once and audit to the ledger", func(t *testing.T) {
		engine, _, _, chain := newTestEngine(t)
		ctx := context.Background()
		owner := uuid.New()

		c, err := engine.OpenContract(ctx, soybeanParams(owner, time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)
		require.NotNil(t, c.LedgerRef, "open should be audited")

		settled, err := engine.SettleContract(ctx, c.ID, decimal.NewFromInt(4600))
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusSettled, settled.Status)
		require.NotNil(t, settled.ActualGainLoss)
		assert.True(t, settled.ActualGainLoss.Equal(decimal.NewFromInt(10000)))

		require.NotNil(t, settled.LedgerRef)
		block, ok := chain.FindByHash(settled.LedgerRef.Hash)
		require.True(t, ok)
		assert.Equal(t, "contract_settled", block.Payload[ledger.PayloadKeyEvent])
		assert.Equal(t, c.ID.String(), block.Payload[ledger.PayloadKeyContract])
		assert.Equal(t, "10000", block.Payload["actual_gain_loss"])
		require.NoError(t, chain.Verify())

		// Second settlement fails, gain untouched.
		_, err = engine.SettleContract(ctx, c.ID, decimal.NewFromInt(4650))
		assert.ErrorIs(t, err, contracts.ErrInvalidState)

		after, err := engine.GetContract(c.ID)
		require.NoError(t, err)
		assert.True(t, after.ActualGainLoss.Equal(decimal.NewFromInt(10000)))

		// One open event + one settle event per contract, plus genesis.
		assert.Equal(t, 3, chain.Len())
		assert.Len(t, chain.FindByOwner(owner.String()), 2)
	})

	t.Run("audit append failure should not roll back settlement", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t)

		c, err := engine.OpenContract(context.Background(), soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		// A cancelled context makes the proof-of-work search give up
		// immediately, simulating a mining timeout.
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		settled, err := engine.SettleContract(cancelled, c.ID, decimal.NewFromInt(4600))
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusSettled, settled.Status)
		assert.True(t, settled.ActualGainLoss.Equal(decimal.NewFromInt(10000)))
		assert.Nil(t, settled.LedgerRef, "failed audit leaves an explicit nil reference")
	})
}

func TestCancelContract(t *testing.T) {
	t.Run("should cancel and audit without gain fields", func(t *testing.T) {
		engine, _, _, chain := newTestEngine(t)
		ctx := context.Background()

		c, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		cancelled, err := engine.CancelContract(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusCancelled, cancelled.Status)
		assert.Nil(t, cancelled.ActualGainLoss)

		require.NotNil(t, cancelled.LedgerRef)
		block, ok := chain.FindByHash(cancelled.LedgerRef.Hash)
		require.True(t, ok)
		assert.Equal(t, "contract_cancelled", block.Payload[ledger.PayloadKeyEvent])
		_, hasGain := block.Payload["actual_gain_loss"]
		assert.False(t, hasGain)
	})
}

func TestSweep(t *testing.T) {
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	nextMonth := time.Now().UTC().AddDate(0, 1, 0)

	t.Run("should return zeros when nothing matured", func(t *testing.T) {
		engine, _, _, _ := newTestEngine(t)
		ctx := context.Background()

		_, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), nextMonth))
		require.NoError(t, err)

		report, err := engine.Sweep(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, SweepReport{}, report)
	})

	t.Run("should settle due contracts and skip missing prices", func(t *testing.T) {
		engine, _, board, _ := newTestEngine(t)
		ctx := context.Background()
		owner := uuid.New()

		open := func(commodity contracts.Commodity) *contracts.Contract {
			params := soybeanParams(owner, yesterday)
			params.Commodity = commodity
			c, err := engine.OpenContract(ctx, params)
			require.NoError(t, err)
			return c
		}

		soy := open(contracts.CommoditySoybean)
		mustard := open(contracts.CommodityMustard)
		groundnut := open(contracts.CommodityGroundnut)

		publishPrice(board, contracts.CommoditySoybean, 4700)
		publishPrice(board, contracts.CommodityMustard, 4400)
		// No groundnut price.

		report, err := engine.Sweep(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, SweepReport{Settled: 2, SkippedMissingPrice: 1, TotalCandidates: 3}, report)

		for _, id := range []uuid.UUID{soy.ID, mustard.ID} {
			c, err := engine.GetContract(id)
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusSettled, c.Status)
			require.NotNil(t, c.ActualGainLoss)
		}

		skipped, err := engine.GetContract(groundnut.ID)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusActive, skipped.Status)

		// Settled against the latest available price.
		soyAfter, err := engine.GetContract(soy.ID)
		require.NoError(t, err)
		assert.True(t, soyAfter.ActualGainLoss.Equal(decimal.NewFromInt(20000)))
	})

	t.Run("second sweep on the same day excludes settled contracts", func(t *testing.T) {
		engine, _, board, _ := newTestEngine(t)
		ctx := context.Background()

		_, err := engine.OpenContract(ctx, soybeanParams(uuid.New(), yesterday))
		require.NoError(t, err)
		publishPrice(board, contracts.CommoditySoybean, 4700)

		first, err := engine.Sweep(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, SweepReport{Settled: 1, TotalCandidates: 1}, first)

		second, err := engine.Sweep(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, SweepReport{}, second)
	})
}

func TestSummary(t *testing.T) {
	t.Run("should aggregate an owner's portfolio", func(t *testing.T) {
		engine, _, board, _ := newTestEngine(t)
		ctx := context.Background()
		owner := uuid.New()

		_, err := engine.OpenContract(ctx, soybeanParams(owner, time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		params := soybeanParams(owner, time.Now().AddDate(0, 1, 0))
		params.Commodity = contracts.CommodityMustard
		params.Quantity = decimal.NewFromInt(50)
		toSettle, err := engine.OpenContract(ctx, params)
		require.NoError(t, err)
		_, err = engine.SettleContract(ctx, toSettle.ID, decimal.NewFromInt(4600))
		require.NoError(t, err)

		// Someone else's contract stays out of the summary.
		_, err = engine.OpenContract(ctx, soybeanParams(uuid.New(), time.Now().AddDate(0, 1, 0)))
		require.NoError(t, err)

		publishPrice(board, contracts.CommoditySoybean, 4700)

		summary := engine.Summary(ctx, owner)
		assert.Equal(t, 2, summary.TotalContracts)
		assert.Equal(t, 1, summary.ActiveContracts)
		assert.Equal(t, 1, summary.SettledContracts)
		assert.True(t, summary.TotalQuantity.Equal(decimal.NewFromInt(150)))
		// 100*4500 + 50*4500 = 675000
		assert.True(t, summary.TotalLockedValue.Equal(decimal.NewFromInt(675000)))
		// Open gain from the active soybean contract only.
		assert.True(t, summary.OpenGainLoss.Equal(decimal.NewFromInt(20000)))
		assert.Equal(t, 1, summary.ContractsByCommodity[contracts.CommoditySoybean])
		assert.Equal(t, 1, summary.ContractsByCommodity[contracts.CommodityMustard])
	})
}
