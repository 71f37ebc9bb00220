package monitor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"venue-coordinator/internal/executor"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/venues"
)

type fakeAdapter struct {
	venue  storage.Venue
	sem    venues.QtySemantics
	price  float64
	listed []venues.VenuePosition

	closeResult *venues.CloseResult

	fillPx    float64
	fillPnl   float64
	fillFound bool

	closeCalls atomic.Int32
}

func (f *fakeAdapter) Venue() storage.Venue { return f.venue }
func (f *fakeAdapter) Semantics() venues.QtySemantics {
	if f.sem == "" {
		return venues.QtyAssetUnits
	}
	return f.sem
}
func (f *fakeAdapter) Open(ctx context.Context, p venues.OpenParams) (*venues.OpenResult, error) {
	return &venues.OpenResult{}, nil
}
func (f *fakeAdapter) Close(ctx context.Context, p venues.CloseParams) (*venues.CloseResult, error) {
	f.closeCalls.Add(1)
	if f.closeResult != nil {
		return f.closeResult, nil
	}
	return &venues.CloseResult{ExitPrice: f.price, QtyClosed: p.Qty}, nil
}
func (f *fakeAdapter) ListOpenPositions(ctx context.Context, s venues.Scope) ([]venues.VenuePosition, error) {
	return f.listed, nil
}
func (f *fakeAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}
func (f *fakeAdapter) UserBalance(ctx context.Context, s venues.Scope) (float64, error) {
	return 1000, nil
}
func (f *fakeAdapter) RecoverClosedFill(ctx context.Context, s venues.Scope, symbol string) (float64, float64, bool, error) {
	return f.fillPx, f.fillPnl, f.fillFound, nil
}

type fixture struct {
	repo    *storage.DB
	adapter *fakeAdapter
	mon     *Monitor
}

func newFixture(t *testing.T, venue storage.Venue) *fixture {
	t.Helper()
	repo, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	adapter := &fakeAdapter{venue: venue, price: 2000}
	router := venues.NewRouter(repo, map[storage.Venue]venues.Adapter{venue: adapter})
	exec := executor.New(repo, router, nil, executor.Config{ChainID: 42161})

	require.NoError(t, repo.InsertDeployment(&storage.Deployment{
		ID:             "dep-1",
		AgentID:        "agent-1",
		UserWallet:     "0xuser",
		SafeWallet:     "0xsafe",
		Status:         storage.DeploymentActive,
		SubActive:      true,
		ModuleEnabled:  true,
		EnabledVenues:  []storage.Venue{venue},
		ProfitReceiver: "0xcreator",
	}))

	return &fixture{
		repo:    repo,
		adapter: adapter,
		mon:     New(repo, router, exec, DefaultInterval),
	}
}

func (f *fixture) openLocal(t *testing.T, id, symbol string, side storage.Side,
	entry, trailingPct float64, confirmed bool, tradeIndex int64) {
	t.Helper()
	require.NoError(t, f.repo.InsertSignal(&storage.Signal{
		ID: "sig-" + id, AgentID: "agent-1", Venue: f.adapter.venue,
		TokenSymbol: symbol, Side: side, SizeKind: storage.SizeFixedUSDC, SizeValue: 100,
	}))
	require.NoError(t, f.repo.InsertPosition(&storage.Position{
		ID:              id,
		DeploymentID:    "dep-1",
		SignalID:        "sig-" + id,
		Venue:           f.adapter.venue,
		TokenSymbol:     symbol,
		Side:            side,
		EntryPrice:      entry,
		Qty:             0.5,
		Leverage:        1,
		TrailingEnabled: trailingPct > 0,
		TrailingPct:     trailingPct,
		HighestPrice:    entry,
		LowestPrice:     entry,
		EntryConfirmed:  confirmed,
		VenueTradeIndex: tradeIndex,
	}))
}

func TestCycleDiscoversVenuePosition(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "ETH", Side: storage.SideLong, Qty: 0.5, EntryPrice: 2000, Leverage: 2},
	}

	f.mon.Cycle(context.Background())

	open, err := f.repo.OpenPositionsFor("dep-1", storage.VenuePerpB)
	require.NoError(t, err)
	require.Len(t, open, 1)
	pos := open[0]
	require.Equal(t, "ETH", pos.TokenSymbol)
	require.Equal(t, 2000.0, pos.EntryPrice)
	require.Equal(t, 2.0, pos.Leverage)
	require.True(t, pos.EntryConfirmed)

	sig, err := f.repo.GetSignal(pos.SignalID)
	require.NoError(t, err)
	require.Contains(t, sig.SourceRefs, storage.SourceAutoDiscovered)
}

func TestCycleIsIdempotent(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "ETH", Side: storage.SideLong, Qty: 0.5, EntryPrice: 2000},
	}

	f.mon.Cycle(context.Background())
	f.mon.Cycle(context.Background())

	open, err := f.repo.OpenPositionsFor("dep-1", storage.VenuePerpB)
	require.NoError(t, err)
	require.Len(t, open, 1, "second cycle must not re-discover")
	require.EqualValues(t, 0, f.adapter.closeCalls.Load())
}

func TestTrailingStopFiresOnRetrace(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-trail", "ETH", storage.SideLong, 2000, 1, true, 0)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "ETH", Side: storage.SideLong, Qty: 0.5, EntryPrice: 2000},
	}

	for _, price := range []float64{2040, 2070} {
		f.adapter.price = price
		f.mon.Cycle(context.Background())

		pos, err := f.repo.GetPosition("pos-trail")
		require.NoError(t, err)
		require.Equal(t, storage.StatusOpen, pos.Status)
		require.Equal(t, price, pos.HighestPrice, "anchor follows new highs")
	}

	// retrace below 2070 * 0.99 = 2049.3
	f.adapter.price = 2049
	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-trail")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitTrailingStop, pos.ExitReason)
	require.EqualValues(t, 1, f.adapter.closeCalls.Load())
}

func TestHardStopFiresAtTenPercentDrawdown(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-hard", "BTC", storage.SideLong, 50000, 0, true, 0)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "BTC", Side: storage.SideLong, Qty: 0.5, EntryPrice: 50000},
	}

	f.adapter.price = 45100
	f.mon.Cycle(context.Background())
	pos, err := f.repo.GetPosition("pos-hard")
	require.NoError(t, err)
	require.Equal(t, storage.StatusOpen, pos.Status, "45100 is above the 45000 floor")

	f.adapter.price = 44900
	f.mon.Cycle(context.Background())
	pos, err = f.repo.GetPosition("pos-hard")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitHardStopLoss, pos.ExitReason)
}

func TestOrphanReconciledWithRecoveredFill(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-orphan", "XRP", storage.SideLong, 1.20, 1, true, 0)
	f.adapter.listed = nil
	f.adapter.fillPx, f.adapter.fillPnl, f.adapter.fillFound = 1.35, 15, true

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-orphan")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitClosedExternallyPnL, pos.ExitReason)
	require.Equal(t, 1.35, pos.ExitPrice)
	require.Equal(t, 15.0, pos.PnL)
	require.EqualValues(t, 0, f.adapter.closeCalls.Load(), "no close submitted for a gone position")
}

func TestOrphanWithoutFillHistoryClosesFlat(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-flat", "XRP", storage.SideLong, 1.20, 1, true, 0)
	f.adapter.listed = nil
	f.adapter.fillFound = false

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-flat")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitClosedExternally, pos.ExitReason)
	require.Equal(t, 0.0, pos.PnL)
}

func TestStuckClosingPositionFinalized(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-stuck", "XRP", storage.SideLong, 1.20, 1, true, 0)

	// crash between MarkClosing and FinalizeClose leaves CLOSING behind
	won, err := f.repo.MarkClosing("pos-stuck")
	require.NoError(t, err)
	require.True(t, won)

	f.adapter.listed = nil
	f.adapter.fillPx, f.adapter.fillPnl, f.adapter.fillFound = 1.35, 15, true

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-stuck")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitClosedExternallyPnL, pos.ExitReason)
	require.Equal(t, 1.35, pos.ExitPrice)
	require.EqualValues(t, 0, f.adapter.closeCalls.Load())
}

func TestClosingPositionStillAtVenueLeftAlone(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-midclose", "XRP", storage.SideLong, 1.20, 1, true, 0)
	won, err := f.repo.MarkClosing("pos-midclose")
	require.NoError(t, err)
	require.True(t, won)

	// still reported by the venue: a close is in flight, not stuck
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "XRP", Side: storage.SideLong, Qty: 0.5, EntryPrice: 1.20},
	}

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-midclose")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosing, pos.Status)
}

func TestDeploymentWithoutVenueListStillMonitored(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	require.NoError(t, f.repo.InsertDeployment(&storage.Deployment{
		ID:            "dep-any",
		AgentID:       "agent-1",
		UserWallet:    "0xuser2",
		SafeWallet:    "0xsafe2",
		Status:        storage.DeploymentActive,
		SubActive:     true,
		ModuleEnabled: true,
	}))
	require.NoError(t, f.repo.InsertSignal(&storage.Signal{
		ID: "sig-any", AgentID: "agent-1", Venue: storage.VenuePerpB,
		TokenSymbol: "ETH", Side: storage.SideLong, SizeKind: storage.SizeFixedUSDC, SizeValue: 100,
	}))
	require.NoError(t, f.repo.InsertPosition(&storage.Position{
		ID: "pos-any", DeploymentID: "dep-any", SignalID: "sig-any",
		Venue: storage.VenuePerpB, TokenSymbol: "ETH", Side: storage.SideLong,
		EntryPrice: 2000, Qty: 0.5, Leverage: 1,
		HighestPrice: 2000, LowestPrice: 2000, EntryConfirmed: true,
	}))
	f.adapter.listed = nil

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-any")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status, "empty venue list falls back to every registered venue")
	require.Equal(t, storage.ExitClosedExternally, pos.ExitReason)
}

func TestUnfilledOrderNeverStopped(t *testing.T) {
	f := newFixture(t, storage.VenuePerpC)
	f.adapter.sem = venues.QtyQuoteCollateral
	f.openLocal(t, "pos-pending", "SOL", storage.SideLong, 150, 1, false, 7)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "SOL", Side: storage.SideLong, Qty: 100, TradeIndex: 7, Unfilled: true},
	}

	// a crash that would trip both stops on a confirmed position
	f.adapter.price = 100
	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-pending")
	require.NoError(t, err)
	require.Equal(t, storage.StatusOpen, pos.Status)
	require.False(t, pos.EntryConfirmed)
	require.EqualValues(t, 0, f.adapter.closeCalls.Load())
}

func TestPendingOrderNotTreatedAsOrphan(t *testing.T) {
	f := newFixture(t, storage.VenuePerpC)
	f.openLocal(t, "pos-keeper", "SOL", storage.SideLong, 150, 1, false, 9)
	f.adapter.listed = nil // keeper has not placed it yet

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-keeper")
	require.NoError(t, err)
	require.Equal(t, storage.StatusOpen, pos.Status)
}

func TestDelayedFillConfirmsEntry(t *testing.T) {
	f := newFixture(t, storage.VenuePerpC)
	f.openLocal(t, "pos-fill", "SOL", storage.SideLong, 150, 1, false, 11)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "SOL", Side: storage.SideLong, Qty: 100, EntryPrice: 148.5, TradeIndex: 11},
	}

	f.mon.Cycle(context.Background())

	pos, err := f.repo.GetPosition("pos-fill")
	require.NoError(t, err)
	require.True(t, pos.EntryConfirmed)
	require.Equal(t, 148.5, pos.EntryPrice)
	require.Equal(t, 148.5, pos.HighestPrice, "anchors reset to the real entry")
	require.Equal(t, 148.5, pos.LowestPrice)
}

func TestShortTrailingStopFires(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.openLocal(t, "pos-short", "ETH", storage.SideShort, 2000, 2, true, 0)
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "ETH", Side: storage.SideShort, Qty: 0.5, EntryPrice: 2000},
	}

	// arm below 2000 * 0.97, ratchet the low down
	f.adapter.price = 1900
	f.mon.Cycle(context.Background())
	pos, err := f.repo.GetPosition("pos-short")
	require.NoError(t, err)
	require.Equal(t, storage.StatusOpen, pos.Status)
	require.Equal(t, 1900.0, pos.LowestPrice)

	// bounce above 1900 * 1.02 = 1938
	f.adapter.price = 1939
	f.mon.Cycle(context.Background())
	pos, err = f.repo.GetPosition("pos-short")
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, storage.ExitTrailingStop, pos.ExitReason)
}
