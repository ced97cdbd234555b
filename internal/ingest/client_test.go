package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{
		DataURL:        server.URL,
		GammaURL:       server.URL,
		LeaderboardURL: server.URL,
		Timeout:        2 * time.Second,
		RatePerSec:     1000,
		Burst:          100,
	})
}

func TestClient_WalletTrades(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xabc", r.URL.Query().Get("user"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"proxyWallet":"0xABC","side":"BUY","size":100,"price":0.5,"timestamp":1767000000,"transactionHash":"0x1"},
			{"proxyWallet":"0xABC","side":"SELL","size":"20","price":"0.9","timestamp":1766999000,"transactionHash":"0x2"}]`))
	})
	c := newTestClient(t, mux)

	trades, err := c.WalletTrades(context.Background(), "0xabc", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, store.SourcePoll, trades[0].Source)
	assert.Equal(t, "0xabc", trades[0].Wallet)
	assert.InDelta(t, 50.0, trades[0].ValueUSD(), 1e-9)
	assert.Equal(t, store.SideSell, trades[1].Side)
}

func TestClient_StatusErrorIsLookupError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.WalletTrades(context.Background(), "0xabc", 10)
	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, http.StatusBadGateway, lerr.Status)
	assert.Equal(t, "wallet_trades", lerr.Op)
}

func TestClient_DecodeErrorIsLookupError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	c := newTestClient(t, mux)

	_, err := c.Leaderboard(context.Background(), 5)
	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Zero(t, lerr.Status)
}

func TestClient_HasPriorActivity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/activity", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("user") {
		case "0xold":
			_, _ = w.Write([]byte(`[{"type":"TRADE","timestamp":1700000000}]`))
		case "0xsame":
			_, _ = w.Write([]byte(`[{"type":"TRADE","timestamp":1767000000}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()
	at := time.Unix(1767000000, 0)

	prior, err := c.HasPriorActivity(ctx, "0xold", at)
	require.NoError(t, err)
	assert.True(t, prior)

	prior, err = c.HasPriorActivity(ctx, "0xsame", at)
	require.NoError(t, err)
	assert.False(t, prior, "the trade itself is not prior activity")

	prior, err = c.HasPriorActivity(ctx, "0xnew", at)
	require.NoError(t, err)
	assert.False(t, prior)
}

func TestClient_Leaderboard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") == "0xone" {
			_, _ = w.Write([]byte(`[{"proxyWallet":"0xONE","rank":"1","amount":120000.5,"volumeTraded":900000}]`))
			return
		}
		if r.URL.Query().Get("address") != "" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"proxyWallet":"0xONE","amount":120000.5,"pseudonym":"Top"},
			{"address":"0xTWO","rank":2,"profit":"5000"},
			{"name":"nobody"}]`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	traders, err := c.Leaderboard(ctx, 25)
	require.NoError(t, err)
	require.Len(t, traders, 2)
	assert.Equal(t, "0xone", traders[0].Wallet)
	assert.Equal(t, 1, traders[0].Rank)
	assert.Equal(t, "Top", traders[0].Name)
	assert.InDelta(t, 120000.5, traders[0].Profit, 1e-9)
	assert.Equal(t, "0xtwo", traders[1].Wallet)
	assert.Equal(t, 2, traders[1].Rank)

	stats, err := c.WalletStats(ctx, "0xone")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rank)
	assert.InDelta(t, 900000, stats.Volume, 1e-9)

	stats, err = c.WalletStats(ctx, "0xunknown")
	require.NoError(t, err)
	assert.Equal(t, store.WalletStats{}, stats)
}

func TestClient_MarketsAndTaxonomy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_tag"))
		_, _ = w.Write([]byte(`[
			{"conditionId":"0xc1","question":"Lakers vs Celtics","slug":"lal-bos","active":true,
			 "clobTokenIds":"[\"111\",\"222\"]","outcomePrices":"[\"0.61\",\"0.39\"]","volumeNum":"1234.5",
			 "tags":[{"id":"745","label":"NBA","slug":"NBA"}],
			 "events":[{"slug":"nba-lal-bos","tags":[{"id":1,"label":"Sports","slug":"sports"}]}]},
			{"question":"no condition id"}
		]`))
	})
	mux.HandleFunc("/sports", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"sport":"nba","tags":"1,745,100639"},{"sport":"nfl","tags":"1, 450"}]`))
	})
	mux.HandleFunc("/teams", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"Los Angeles Lakers"},{"name":"  "},{"name":"Arsenal"}]`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	markets, err := c.ActiveMarkets(ctx, 0)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	m := markets[0]
	assert.Equal(t, []string{"111", "222"}, m.TokenIDs)
	assert.InDelta(t, 0.61, m.YesPrice, 1e-9)
	assert.InDelta(t, 1234.5, m.Volume, 1e-9)
	assert.Equal(t, "nba-lal-bos", m.EventSlug)
	require.Len(t, m.Tags, 2)
	assert.Equal(t, store.Tag{ID: "745", Label: "NBA", Slug: "nba"}, m.Tags[0])
	assert.Equal(t, "1", m.Tags[1].ID)

	ids, err := c.SportsTagIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "745", "100639", "450"}, ids)

	teams, err := c.TeamNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"los angeles lakers", "arsenal"}, teams)
}

func TestClient_ContextCancelled(t *testing.T) {
	mux := http.NewServeMux()
	c := newTestClient(t, mux)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Leaderboard(ctx, 5)
	var lerr *LookupError
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_WalletPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xabc", r.URL.Query().Get("user"))
		_, _ = w.Write([]byte(`[
			{"proxyWallet":"0xABC","asset":"123","conditionId":"0xc","title":"Will it rain?","outcome":"Yes",
			 "size":"250","avgPrice":0.4,"curPrice":"0.55","currentValue":137.5,"cashPnl":37.5,"percentPnl":37.5},
			{"proxyWallet":"0xABC","asset":"456","size":0,"avgPrice":0.9}]`))
	})
	c := newTestClient(t, mux)

	positions, err := c.WalletPositions(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "0xabc", p.Wallet)
	assert.Equal(t, "Will it rain?", p.Title)
	assert.Equal(t, "Yes", p.Outcome)
	assert.InDelta(t, 250.0, p.Size, 1e-9)
	assert.InDelta(t, 0.55, p.CurPrice, 1e-9)
	assert.InDelta(t, 137.5, p.CurrentValue, 1e-9)
	assert.InDelta(t, 37.5, p.CashPnL, 1e-9)
}

func TestClient_WalletPositionsStatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.WalletPositions(context.Background(), "0xabc")
	var lookup *LookupError
	require.ErrorAs(t, err, &lookup)
	assert.Equal(t, "wallet_positions", lookup.Op)
}
