package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venue-coordinator/internal/storage"
)

func testModel(t *testing.T) (Model, *storage.DB) {
	t.Helper()
	repo, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewModel(repo, time.Second), repo
}

func TestViewRendersEmptyState(t *testing.T) {
	m, _ := testModel(t)

	view := m.View()
	require.Contains(t, view, "no open positions")
	require.Contains(t, view, "no billing events")
}

func TestDataMsgPopulatesPositions(t *testing.T) {
	m, repo := testModel(t)

	require.NoError(t, repo.InsertDeployment(&storage.Deployment{
		ID: "dep-1", AgentID: "agent-1", UserWallet: "0xuser", SafeWallet: "0xsafe",
		Status: storage.DeploymentActive, SubActive: true,
		EnabledVenues: []storage.Venue{storage.VenuePerpB},
	}))
	require.NoError(t, repo.InsertSignal(&storage.Signal{
		ID: "sig-1", AgentID: "agent-1", Venue: storage.VenuePerpB,
		TokenSymbol: "ETH", Side: storage.SideLong, SizeKind: storage.SizeFixedUSDC,
	}))
	require.NoError(t, repo.InsertPosition(&storage.Position{
		ID: "pos-1", DeploymentID: "dep-1", SignalID: "sig-1",
		Venue: storage.VenuePerpB, TokenSymbol: "ETH", Side: storage.SideLong,
		EntryPrice: 2000, Qty: 0.5, Leverage: 1,
		HighestPrice: 2000, LowestPrice: 2000,
		TrailingEnabled: true, TrailingPct: 1, EntryConfirmed: true,
	}))

	msg := m.load()()
	updated, _ := m.Update(msg)
	view := updated.View()

	require.Contains(t, view, "ETH")
	require.Contains(t, view, "PERP_B")
	require.False(t, strings.Contains(view, "no open positions"))
}

func TestPendingPositionFlagged(t *testing.T) {
	m, repo := testModel(t)

	require.NoError(t, repo.InsertDeployment(&storage.Deployment{
		ID: "dep-1", AgentID: "agent-1", UserWallet: "0xuser", SafeWallet: "0xsafe",
		Status: storage.DeploymentActive, SubActive: true,
		EnabledVenues: []storage.Venue{storage.VenuePerpC},
	}))
	require.NoError(t, repo.InsertSignal(&storage.Signal{
		ID: "sig-2", AgentID: "agent-1", Venue: storage.VenuePerpC,
		TokenSymbol: "SOL", Side: storage.SideLong, SizeKind: storage.SizeFixedUSDC,
	}))
	require.NoError(t, repo.InsertPosition(&storage.Position{
		ID: "pos-2", DeploymentID: "dep-1", SignalID: "sig-2",
		Venue: storage.VenuePerpC, TokenSymbol: "SOL", Side: storage.SideLong,
		EntryPrice: 150, Qty: 100, Leverage: 3,
		HighestPrice: 150, LowestPrice: 150,
		EntryConfirmed: false, VenueTradeIndex: 7,
	}))

	msg := m.load()()
	updated, _ := m.Update(msg)
	require.Contains(t, updated.View(), "pending fill")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "ETH", truncate("ETH", 8))
	require.Equal(t, "VERYLON…", truncate("VERYLONGSYMBOL", 8))
}
