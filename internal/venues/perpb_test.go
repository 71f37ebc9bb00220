package venues

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/httpx"
	"venue-coordinator/internal/pricing"
	"venue-coordinator/internal/storage"
)

const testUser = "0xAbCd000000000000000000000000000000000001"

func testRepo(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testGuard() *httpx.Guard {
	return httpx.NewGuard("test", httpx.NewPool(1, 5*time.Second), 100, 20)
}

// perpBServer fakes the order book venue's info and exchange endpoints.
func perpBServer(t *testing.T, onExchange func(body []byte) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			switch req["type"] {
			case "allMids":
				json.NewEncoder(w).Encode(map[string]string{"ETH": "2000", "BTC": "60000"})
			case "clearinghouseState":
				json.NewEncoder(w).Encode(map[string]any{
					"withdrawable": "500.0",
					"assetPositions": []map[string]any{
						{"position": map[string]any{
							"coin": "ETH", "szi": "-0.5", "entryPx": "2100",
							"leverage": map[string]any{"value": 3.0},
						}},
					},
				})
			case "userFills":
				json.NewEncoder(w).Encode([]map[string]any{
					{"coin": "ETH", "px": "1900", "sz": "0.5", "closedPnl": "25.5", "time": 100},
					{"coin": "ETH", "px": "1950", "sz": "0.5", "closedPnl": "40.0", "time": 200},
					{"coin": "ETH", "px": "2000", "sz": "0.5", "closedPnl": "0", "time": 300},
					{"coin": "BTC", "px": "60000", "sz": "0.1", "closedPnl": "99", "time": 400},
				})
			case "meta":
				json.NewEncoder(w).Encode(map[string]any{
					"universe": []map[string]any{
						{"name": "ETH", "maxLeverage": 50.0},
						{"name": "OLD", "maxLeverage": 10.0, "isDelisted": true},
					},
				})
			default:
				t.Fatalf("unexpected info type %q", req["type"])
			}
		case "/exchange":
			body, _ := json.Marshal(struct{}{})
			if onExchange != nil {
				var env signedAction
				require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
				require.NotEmpty(t, env.Signature)
				require.NotZero(t, env.Nonce)
				resp := onExchange(env.Action)
				body, _ = json.Marshal(resp)
			}
			w.Write(body)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
}

func newPerpB(t *testing.T, srv *httptest.Server, withAgent bool) (*PerpBAdapter, *storage.DB) {
	t.Helper()
	repo := testRepo(t)
	ks, err := chain.NewKeyStore(t.TempDir(), repo)
	require.NoError(t, err)
	if withAgent {
		_, err = ks.EnsureAgentAddress(testUser, storage.VenuePerpB)
		require.NoError(t, err)
	}
	guard := testGuard()
	mids := pricing.NewPerpBMids(srv.URL, "", guard)
	return NewPerpBAdapter(guard, ks, repo, mids, PerpBConfig{BaseURL: srv.URL}), repo
}

func TestPerpBOpenFillsFromExchangeResponse(t *testing.T) {
	var gotAction orderAction
	srv := perpBServer(t, func(action []byte) any {
		require.NoError(t, json.Unmarshal(action, &gotAction))
		return map[string]any{
			"status": "ok",
			"response": map[string]any{
				"data": map[string]any{
					"statuses": []map[string]any{
						{"filled": map[string]any{"avgPx": "2001.5", "totalSz": "0.05", "oid": 777}},
					},
				},
			},
		}
	})
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	res, err := a.Open(context.Background(), OpenParams{
		Scope:    Scope{UserWallet: testUser},
		Symbol:   "ETH",
		Side:     storage.SideLong,
		SizeUSD:  100,
		Leverage: 1,
	})
	require.NoError(t, err)
	require.Empty(t, res.VenueError)
	require.Equal(t, 2001.5, res.EntryPrice)
	require.Equal(t, 0.05, res.AmountOut)
	require.Equal(t, "777", res.VenueTradeID)

	require.Len(t, gotAction.Orders, 1)
	require.True(t, gotAction.Orders[0].IsBuy)
	require.Equal(t, "Ioc", gotAction.Orders[0].Tif)
	require.False(t, gotAction.Orders[0].ReduceOnly)
}

func TestPerpBOpenBelowMinimum(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	res, err := a.Open(context.Background(), OpenParams{
		Scope: Scope{UserWallet: testUser}, Symbol: "ETH",
		Side: storage.SideLong, SizeUSD: 5, Leverage: 1,
	})
	require.NoError(t, err)
	require.Equal(t, ErrBelowMinimum, res.VenueError)
}

func TestPerpBOpenWithoutAgentKey(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, _ := newPerpB(t, srv, false)
	res, err := a.Open(context.Background(), OpenParams{
		Scope: Scope{UserWallet: testUser}, Symbol: "ETH",
		Side: storage.SideLong, SizeUSD: 100, Leverage: 1,
	})
	require.NoError(t, err)
	require.Equal(t, ErrAgentMissing, res.VenueError)
}

func TestPerpBOpenInsufficientVenueBalance(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	res, err := a.Open(context.Background(), OpenParams{
		Scope: Scope{UserWallet: testUser}, Symbol: "ETH",
		Side: storage.SideLong, SizeUSD: 1000, Leverage: 1,
	})
	require.NoError(t, err)
	require.Equal(t, ErrInsufficientFunds, res.VenueError)
}

func TestPerpBCloseIsReduceOnlyOppositeSide(t *testing.T) {
	var gotAction orderAction
	srv := perpBServer(t, func(action []byte) any {
		require.NoError(t, json.Unmarshal(action, &gotAction))
		return map[string]any{
			"status": "ok",
			"response": map[string]any{
				"data": map[string]any{
					"statuses": []map[string]any{
						{"filled": map[string]any{"avgPx": "1950", "totalSz": "0.5", "oid": 778}},
					},
				},
			},
		}
	})
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	res, err := a.Close(context.Background(), CloseParams{
		Scope:  Scope{UserWallet: testUser},
		Symbol: "ETH",
		Side:   storage.SideShort,
		Qty:    0.5,
	})
	require.NoError(t, err)
	require.Empty(t, res.VenueError)
	require.Equal(t, 1950.0, res.ExitPrice)
	require.Equal(t, 0.5, res.QtyClosed)
	// closing pnl recovered from the fills feed: newest ETH fill with pnl
	require.Equal(t, 40.0, res.RealizedPnL)

	require.True(t, gotAction.Orders[0].IsBuy) // short closes by buying back
	require.True(t, gotAction.Orders[0].ReduceOnly)
}

func TestPerpBListOpenPositions(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	positions, err := a.ListOpenPositions(context.Background(), Scope{UserWallet: testUser})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "ETH", positions[0].Symbol)
	require.Equal(t, storage.SideShort, positions[0].Side)
	require.Equal(t, 0.5, positions[0].Qty)
	require.Equal(t, 2100.0, positions[0].EntryPrice)
}

func TestPerpBSyncMarketsPopulatesTable(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, repo := newPerpB(t, srv, true)
	n, err := a.SyncMarkets(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	active, err := repo.MarketActive(storage.VenuePerpB, "ETH")
	require.NoError(t, err)
	require.True(t, active)

	delisted, err := repo.MarketActive(storage.VenuePerpB, "OLD")
	require.NoError(t, err)
	require.False(t, delisted)
}

func TestPerpBRecoverClosedFillPicksNewest(t *testing.T) {
	srv := perpBServer(t, nil)
	defer srv.Close()

	a, _ := newPerpB(t, srv, true)
	px, pnl, found, err := a.RecoverClosedFill(context.Background(), Scope{UserWallet: testUser}, "ETH")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1950.0, px)
	require.Equal(t, 40.0, pnl)
}
