package venues

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/storage"
)

// perpCServer fakes the CFD venue's REST surface.
func perpCServer(t *testing.T, onOrder func(body []byte) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orders":
			var env signedAction
			require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
			require.NotEmpty(t, env.Signature)
			resp := onOrder(env.Action)
			json.NewEncoder(w).Encode(resp)
		case r.URL.Path == "/prices/ETH":
			json.NewEncoder(w).Encode(map[string]float64{"mid": 2000})
		case r.URL.Path == "/pairs":
			json.NewEncoder(w).Encode([]map[string]any{
				{"pair": "ETH", "minCollateral": 10.0, "maxLeverage": 50.0, "active": true},
				{"pair": "XAU", "maxLeverage": 20.0, "active": false},
			})
		case len(r.URL.Path) > 9 && r.URL.Path[:9] == "/balance/":
			json.NewEncoder(w).Encode(map[string]float64{"freeCollateral": 250})
		case len(r.URL.Path) > 8 && r.URL.Path[:8] == "/trades/":
			json.NewEncoder(w).Encode([]map[string]any{
				{"pair": "ETH", "isLong": true, "collateral": 50.0, "leverage": 5.0,
					"openPrice": 1990.0, "tradeIndex": 3, "filled": true},
				{"pair": "ETH", "isLong": false, "collateral": 20.0, "leverage": 2.0,
					"openPrice": 2010.0, "tradeIndex": 4, "filled": false},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func newPerpC(t *testing.T, srv *httptest.Server) (*PerpCAdapter, *storage.DB) {
	t.Helper()
	repo := testRepo(t)
	ks, err := chain.NewKeyStore(t.TempDir(), repo)
	require.NoError(t, err)
	_, err = ks.EnsureAgentAddress(testUser, storage.VenuePerpC)
	require.NoError(t, err)
	return NewPerpCAdapter(testGuard(), ks, repo, PerpCConfig{BaseURL: srv.URL}), repo
}

func TestPerpCOpenSubmitsPendingOrder(t *testing.T) {
	srv := perpCServer(t, func(action []byte) any {
		var a map[string]any
		require.NoError(t, json.Unmarshal(action, &a))
		require.Equal(t, "openTrade", a["type"])
		require.Equal(t, "ETH", a["pair"])
		require.Equal(t, true, a["isLong"])
		return map[string]any{"orderId": "ord-1", "tradeIndex": 9, "openPrice": 0, "txHash": "0xabc"}
	})
	defer srv.Close()

	a, _ := newPerpC(t, srv)
	res, err := a.Open(context.Background(), OpenParams{
		Scope:    Scope{UserWallet: testUser},
		Symbol:   "ETH",
		Side:     storage.SideLong,
		SizeUSD:  50,
		Leverage: 5,
	})
	require.NoError(t, err)
	require.Empty(t, res.VenueError)
	require.Equal(t, int64(9), res.VenueTradeIndex)
	require.Equal(t, "ord-1", res.VenueTradeID)
	// venue reported no fill price: entry falls back to the venue mid
	require.Equal(t, 2000.0, res.EntryPrice)
	require.Equal(t, 50.0, res.AmountOut) // collateral, not token units
}

func TestPerpCOpenBelowMinimumCollateral(t *testing.T) {
	srv := perpCServer(t, nil)
	defer srv.Close()

	a, _ := newPerpC(t, srv)
	res, err := a.Open(context.Background(), OpenParams{
		Scope: Scope{UserWallet: testUser}, Symbol: "ETH",
		Side: storage.SideLong, SizeUSD: 5, Leverage: 2,
	})
	require.NoError(t, err)
	require.Equal(t, ErrBelowMinimum, res.VenueError)
}

func TestPerpCCloseAddressesTradeIndex(t *testing.T) {
	srv := perpCServer(t, func(action []byte) any {
		var a map[string]any
		require.NoError(t, json.Unmarshal(action, &a))
		require.Equal(t, "closeTrade", a["type"])
		// the stored trade index, not a pair-wide close
		require.Equal(t, float64(9), a["tradeIndex"])
		return map[string]any{"txHash": "0xdef", "closePrice": 2050.0, "pnl": 12.5}
	})
	defer srv.Close()

	a, _ := newPerpC(t, srv)
	res, err := a.Close(context.Background(), CloseParams{
		Scope:           Scope{UserWallet: testUser},
		Symbol:          "ETH",
		Side:            storage.SideLong,
		Qty:             50,
		VenueTradeIndex: 9,
	})
	require.NoError(t, err)
	require.Empty(t, res.VenueError)
	require.Equal(t, 2050.0, res.ExitPrice)
	require.Equal(t, 12.5, res.RealizedPnL)
}

func TestPerpCListOpenPositionsMarksUnfilled(t *testing.T) {
	srv := perpCServer(t, nil)
	defer srv.Close()

	a, _ := newPerpC(t, srv)
	positions, err := a.ListOpenPositions(context.Background(), Scope{UserWallet: testUser})
	require.NoError(t, err)
	require.Len(t, positions, 2)

	require.False(t, positions[0].Unfilled)
	require.Equal(t, int64(3), positions[0].TradeIndex)
	require.Equal(t, storage.SideLong, positions[0].Side)

	require.True(t, positions[1].Unfilled)
	require.Equal(t, storage.SideShort, positions[1].Side)
}

func TestPerpCSyncMarkets(t *testing.T) {
	srv := perpCServer(t, nil)
	defer srv.Close()

	a, repo := newPerpC(t, srv)
	n, err := a.SyncMarkets(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	m, err := repo.GetMarket(storage.VenuePerpC, "ETH")
	require.NoError(t, err)
	require.True(t, m.IsActive)
	require.Equal(t, 10.0, m.MinPosition)

	inactive, err := repo.MarketActive(storage.VenuePerpC, "XAU")
	require.NoError(t, err)
	require.False(t, inactive)
}

func TestPerpCVenueRejectionSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orders":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "pair paused"})
		case r.URL.Path == "/prices/ETH":
			json.NewEncoder(w).Encode(map[string]float64{"mid": 2000})
		case len(r.URL.Path) > 9 && r.URL.Path[:9] == "/balance/":
			json.NewEncoder(w).Encode(map[string]float64{"freeCollateral": 250})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a, _ := newPerpC(t, srv)
	res, err := a.Open(context.Background(), OpenParams{
		Scope: Scope{UserWallet: testUser}, Symbol: "ETH",
		Side: storage.SideLong, SizeUSD: 50, Leverage: 2,
	})
	require.NoError(t, err)
	require.Contains(t, res.VenueError, ErrVenueRejected)
	require.Contains(t, res.VenueError, "pair paused")
}
