package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"venue-coordinator/internal/fees"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/venues"
)

// fakeAdapter scripts venue behavior for executor tests.
type fakeAdapter struct {
	venue   storage.Venue
	sem     venues.QtySemantics
	balance float64

	openResult  *venues.OpenResult
	openErr     error
	closeResult *venues.CloseResult
	closeErr    error
	listed      []venues.VenuePosition

	fillPx    float64
	fillPnl   float64
	fillFound bool

	openCalls  atomic.Int32
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
	f.openCalls.Add(1)
	return f.openResult, f.openErr
}
func (f *fakeAdapter) Close(ctx context.Context, p venues.CloseParams) (*venues.CloseResult, error) {
	f.closeCalls.Add(1)
	return f.closeResult, f.closeErr
}
func (f *fakeAdapter) ListOpenPositions(ctx context.Context, s venues.Scope) ([]venues.VenuePosition, error) {
	return f.listed, nil
}
func (f *fakeAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (f *fakeAdapter) UserBalance(ctx context.Context, s venues.Scope) (float64, error) {
	return f.balance, nil
}
func (f *fakeAdapter) RecoverClosedFill(ctx context.Context, s venues.Scope, symbol string) (float64, float64, bool, error) {
	return f.fillPx, f.fillPnl, f.fillFound, nil
}

type fixture struct {
	repo    *storage.DB
	exec    *Executor
	adapter *fakeAdapter
	dep     *storage.Deployment
}

func newFixture(t *testing.T, venue storage.Venue) *fixture {
	t.Helper()
	repo, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	adapter := &fakeAdapter{
		venue:   venue,
		balance: 1000,
		openResult: &venues.OpenResult{
			TxRef: "0xopen", AmountOut: 0.005, EntryPrice: 2000,
		},
		closeResult: &venues.CloseResult{
			TxRef: "0xclose", ExitPrice: 2100, QtyClosed: 0.005,
		},
	}

	router := venues.NewRouter(repo, map[storage.Venue]venues.Adapter{venue: adapter})
	exec := New(repo, router, nil, Config{
		ChainID: 42161,
		FeePolicies: map[storage.Venue]fees.Policy{
			venue: {Model: fees.ModelProfitShare, ProfitSharePct: dec("10")},
		},
	})

	dep := &storage.Deployment{
		ID:             "dep-1",
		AgentID:        "agent-1",
		UserWallet:     "0xuser",
		SafeWallet:     "0xsafe",
		Status:         storage.DeploymentActive,
		SubActive:      true,
		ModuleEnabled:  true,
		EnabledVenues:  []storage.Venue{venue},
		ProfitReceiver: "0xcreator",
	}
	require.NoError(t, repo.InsertDeployment(dep))
	require.NoError(t, repo.UpsertMarket(&storage.VenueMarket{
		Venue: venue, TokenSymbol: "ETH", IsActive: true,
	}))
	if venue == storage.VenueSpot {
		require.NoError(t, repo.UpsertToken(&storage.TokenInfo{
			ChainID: 42161, Symbol: "ETH", Address: "0xtoken", Decimals: 18,
		}))
	}

	return &fixture{repo: repo, exec: exec, adapter: adapter, dep: dep}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) signal(t *testing.T, id, symbol string, sizeKind string, sizeValue float64) *storage.Signal {
	t.Helper()
	sig := &storage.Signal{
		ID:          id,
		AgentID:     "agent-1",
		Venue:       f.adapter.venue,
		TokenSymbol: symbol,
		Side:        storage.SideLong,
		SizeKind:    sizeKind,
		SizeValue:   sizeValue,
		TrailingPct: 1,
	}
	require.NoError(t, f.repo.InsertSignal(sig))
	return sig
}

func TestExecuteOpensPositionWithPositiveQty(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-1", "ETH", storage.SizeFixedUSDC, 100)

	results := f.exec.Execute(context.Background(), "sig-1")
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success, "error=%s reason=%s", res.Error, res.Reason)
	require.NotEmpty(t, res.PositionID)

	pos, err := f.repo.GetPosition(res.PositionID)
	require.NoError(t, err)
	require.Greater(t, pos.Qty, 0.0)
	require.Equal(t, 2000.0, pos.EntryPrice)
	require.True(t, pos.TrailingEnabled)
	require.Equal(t, storage.StatusOpen, pos.Status)
}

func TestConcurrentExecuteProducesOnePosition(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-race", "ETH", storage.SizeFixedUSDC, 100)

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.exec.ExecuteForDeployment(context.Background(), "sig-race", "dep-1")
		}(i)
	}
	wg.Wait()

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)

	open, err := f.repo.OpenPositionsFor("dep-1", storage.VenuePerpB)
	require.NoError(t, err)
	require.Len(t, open, 1, "exactly one position for (deployment, signal)")

	// both callers converge on the same position id
	require.Equal(t, results[0].PositionID, results[1].PositionID)
}

func TestExecuteIdempotentOnRepeat(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-2", "ETH", storage.SizeFixedUSDC, 100)

	first := f.exec.ExecuteForDeployment(context.Background(), "sig-2", "dep-1")
	require.True(t, first.Success)

	second := f.exec.ExecuteForDeployment(context.Background(), "sig-2", "dep-1")
	require.True(t, second.Success)
	require.Equal(t, "already processed", second.Message)
	require.Equal(t, first.PositionID, second.PositionID)
	require.EqualValues(t, 1, f.adapter.openCalls.Load())
}

func TestZeroPercentSizeRejectedBelowMinimum(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-3", "ETH", storage.SizeBalancePercentage, 0)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-3", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonBelowMinimum, res.Reason)
}

func TestFixedSizeAboveBalanceRejected(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-4", "ETH", storage.SizeFixedUSDC, 5000)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-4", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonInsufficientBalance, res.Reason)
}

func TestZeroBalanceRejected(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.adapter.balance = 0
	f.signal(t, "sig-5", "ETH", storage.SizeFixedUSDC, 100)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-5", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonNoBalance, res.Reason)
}

func TestVenueMinimums(t *testing.T) {
	cases := []struct {
		venue storage.Venue
		size  float64
	}{
		{storage.VenueSpot, 0.05},
		{storage.VenuePerpB, 9.99},
		{storage.VenuePerpC, 9.99},
	}
	for _, tc := range cases {
		t.Run(string(tc.venue), func(t *testing.T) {
			f := newFixture(t, tc.venue)
			f.signal(t, "sig-min", "ETH", storage.SizeFixedUSDC, tc.size)

			res := f.exec.ExecuteForDeployment(context.Background(), "sig-min", "dep-1")
			require.False(t, res.Success)
			require.Equal(t, ReasonBelowMinimum, res.Reason)
		})
	}
}

func TestUnknownSpotTokenRejected(t *testing.T) {
	f := newFixture(t, storage.VenueSpot)
	require.NoError(t, f.repo.UpsertMarket(&storage.VenueMarket{
		Venue: storage.VenueSpot, TokenSymbol: "GHOST", IsActive: true,
	}))
	f.signal(t, "sig-6", "GHOST", storage.SizeFixedUSDC, 10)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-6", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonUnknownToken, res.Reason)
}

func TestInactiveMarketRejected(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.signal(t, "sig-7", "NOPE", storage.SizeFixedUSDC, 100)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-7", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonMarketUnavailable, res.Reason)
}

func TestManualDuplicateCreatesSecondPosition(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	require.NoError(t, f.repo.UpsertMarket(&storage.VenueMarket{
		Venue: storage.VenuePerpB, TokenSymbol: "BTC", IsActive: true,
	}))

	f.signal(t, "sig-auto", "BTC", storage.SizeFixedUSDC, 100)
	f.signal(t, "sig-manual", "BTC_MANUAL_1724680000000", storage.SizeFixedUSDC, 25)

	auto := f.exec.ExecuteForDeployment(context.Background(), "sig-auto", "dep-1")
	manual := f.exec.ExecuteForDeployment(context.Background(), "sig-manual", "dep-1")
	require.True(t, auto.Success)
	require.True(t, manual.Success, "error=%s reason=%s", manual.Error, manual.Reason)
	require.NotEqual(t, auto.PositionID, manual.PositionID)

	// both rows store the stripped symbol
	for _, id := range []string{auto.PositionID, manual.PositionID} {
		pos, err := f.repo.GetPosition(id)
		require.NoError(t, err)
		require.Equal(t, "BTC", pos.TokenSymbol)
	}
}

func TestAgentMissingSurfaced(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	f.adapter.openResult = &venues.OpenResult{VenueError: venues.ErrAgentMissing}
	f.signal(t, "sig-8", "ETH", storage.SizeFixedUSDC, 100)

	res := f.exec.ExecuteForDeployment(context.Background(), "sig-8", "dep-1")
	require.False(t, res.Success)
	require.Equal(t, ReasonAgentMissing, res.Reason)
}

func openPosition(t *testing.T, f *fixture, sigID string) string {
	t.Helper()
	// the delegated pre-flight must see the position at the venue
	f.adapter.listed = []venues.VenuePosition{
		{Symbol: "ETH", Side: storage.SideLong, Qty: 0.005, EntryPrice: 2000},
	}
	f.signal(t, sigID, "ETH", storage.SizeFixedUSDC, 100)
	res := f.exec.ExecuteForDeployment(context.Background(), sigID, "dep-1")
	require.True(t, res.Success, "error=%s reason=%s", res.Error, res.Reason)
	return res.PositionID
}

func TestConcurrentCloseSubmitsOnce(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-close-race")

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.exec.ClosePosition(context.Background(), id)
		}(i)
	}
	wg.Wait()

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)
	require.EqualValues(t, 1, f.adapter.closeCalls.Load(), "exactly one close submission")
}

func TestCloseAlreadyClosedReturnsMessage(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-closed")

	first := f.exec.ClosePosition(context.Background(), id)
	require.True(t, first.Success)

	second := f.exec.ClosePosition(context.Background(), id)
	require.True(t, second.Success)
	require.Contains(t, second.Message, "already closed")
}

func TestCloseRetainsExternalExitReason(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-ext")

	require.NoError(t, f.repo.FinalizeClose(id, 1.35, 15, 0.005, "", storage.ExitClosedExternally))

	res := f.exec.ClosePosition(context.Background(), id)
	require.True(t, res.Success)
	require.Contains(t, res.Message, "already closed")
	require.Contains(t, res.Message, storage.ExitClosedExternally)
}

func TestCloseFailureRevertsToOpen(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-fail")
	f.adapter.closeResult = &venues.CloseResult{VenueError: venues.ErrVenueRejected + ":margin engine busy"}

	res := f.exec.ClosePosition(context.Background(), id)
	require.False(t, res.Success)

	pos, err := f.repo.GetPosition(id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusOpen, pos.Status, "CLOSING reverted for retry")
}

func TestExternalCloseRecoversHistoricalPnL(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-orphan")

	// venue no longer reports the position but its fills do
	f.adapter.listed = nil
	f.adapter.fillPx, f.adapter.fillPnl, f.adapter.fillFound = 1.35, 15, true

	res := f.exec.ClosePosition(context.Background(), id)
	require.True(t, res.Success)
	require.EqualValues(t, 0, f.adapter.closeCalls.Load(), "no close submitted for a gone position")

	pos, err := f.repo.GetPosition(id)
	require.NoError(t, err)
	require.Equal(t, storage.StatusClosed, pos.Status)
	require.Equal(t, 1.35, pos.ExitPrice)
	require.Equal(t, 15.0, pos.PnL)
	require.Equal(t, storage.ExitClosedExternallyPnL, pos.ExitReason)
}

func TestProfitableCloseWritesBilling(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-profit")
	f.adapter.closeResult = &venues.CloseResult{
		TxRef: "0xclose", ExitPrice: 2100, QtyClosed: 0.005, RealizedPnL: 0.5,
	}

	res := f.exec.ClosePosition(context.Background(), id)
	require.True(t, res.Success)

	events, err := f.repo.RecentBillingEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	kinds := map[string]string{}
	for _, ev := range events {
		kinds[ev.Kind] = ev.Amount
	}
	require.Equal(t, "0.1", kinds[storage.BillingProfitShare]) // 20% of 0.5
	require.Equal(t, "0.05", kinds[storage.BillingFee])        // 10% profit share policy
}

func TestLossCloseWritesNoBilling(t *testing.T) {
	f := newFixture(t, storage.VenuePerpB)
	id := openPosition(t, f, "sig-loss")
	f.adapter.closeResult = &venues.CloseResult{
		TxRef: "0xclose", ExitPrice: 1900, QtyClosed: 0.005, RealizedPnL: -0.5,
	}

	res := f.exec.ClosePosition(context.Background(), id)
	require.True(t, res.Success)

	events, err := f.repo.RecentBillingEvents(10)
	require.NoError(t, err)
	require.Empty(t, events)
}
