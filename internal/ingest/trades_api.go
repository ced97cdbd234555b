package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
)

// WalletTrades returns a wallet's most recent trades, newest first.
func (c *Client) WalletTrades(ctx context.Context, wallet string, limit int) ([]store.Trade, error) {
	params := url.Values{}
	params.Set("user", wallet)
	params.Set("limit", strconv.Itoa(limit))

	var records []Record
	if err := c.getJSON(ctx, "wallet_trades", c.dataURL, "/trades", params, &records); err != nil {
		return nil, err
	}

	trades := make([]store.Trade, 0, len(records))
	for _, rec := range records {
		t := NormalizeRecord(rec)
		t.Source = store.SourcePoll
		trades = append(trades, t)
	}
	return trades, nil
}

// Activity is one row of a wallet's on-chain activity history.
type Activity struct {
	Type      string   `json:"type"`
	Timestamp flexTime `json:"timestamp"`
}

// WalletActivity returns a wallet's recent activity rows.
func (c *Client) WalletActivity(ctx context.Context, wallet string, limit int) ([]Activity, error) {
	params := url.Values{}
	params.Set("user", wallet)
	params.Set("limit", strconv.Itoa(limit))

	var rows []Activity
	if err := c.getJSON(ctx, "wallet_activity", c.dataURL, "/activity", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// HasPriorActivity reports whether the wallet has any activity strictly
// before the given time. A zero before counts any activity at all.
func (c *Client) HasPriorActivity(ctx context.Context, wallet string, before time.Time) (bool, error) {
	rows, err := c.WalletActivity(ctx, wallet, 5)
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		ts := time.Time(r.Timestamp)
		if before.IsZero() || ts.IsZero() || ts.Before(before) {
			return true, nil
		}
	}
	return false, nil
}

// leaderboardRow is one row from the leaderboard API.
type leaderboardRow struct {
	Address      string    `json:"address"`
	ProxyWallet  string    `json:"proxyWallet"`
	Rank         flexFloat `json:"rank"`
	Profit       flexFloat `json:"profit"`
	Amount       flexFloat `json:"amount"`
	VolumeTraded flexFloat `json:"volumeTraded"`
	Name         string    `json:"name"`
	Pseudonym    string    `json:"pseudonym"`
}

func (r leaderboardRow) trader() store.TraderInfo {
	profit := float64(r.Profit)
	if profit == 0 {
		profit = float64(r.Amount)
	}
	return store.TraderInfo{
		Wallet: strings.ToLower(coalesce(r.Address, r.ProxyWallet)),
		Rank:   int(r.Rank),
		Profit: profit,
		Volume: float64(r.VolumeTraded),
		Name:   coalesce(r.Name, r.Pseudonym),
	}
}

// Leaderboard returns the top traders by all-time profit.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]store.TraderInfo, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	var rows []leaderboardRow
	if err := c.getJSON(ctx, "leaderboard", c.lbURL, "/leaderboard", params, &rows); err != nil {
		return nil, err
	}

	traders := make([]store.TraderInfo, 0, len(rows))
	for i, r := range rows {
		t := r.trader()
		if t.Wallet == "" {
			continue
		}
		if t.Rank == 0 {
			t.Rank = i + 1
		}
		traders = append(traders, t)
	}
	return traders, nil
}

// WalletStats returns PnL, volume and rank for one wallet. A wallet unknown to
// the leaderboard yields zero stats and no error.
func (c *Client) WalletStats(ctx context.Context, wallet string) (store.WalletStats, error) {
	params := url.Values{}
	params.Set("address", wallet)

	var rows []leaderboardRow
	if err := c.getJSON(ctx, "wallet_stats", c.lbURL, "/leaderboard", params, &rows); err != nil {
		return store.WalletStats{}, err
	}
	if len(rows) == 0 {
		return store.WalletStats{}, nil
	}
	t := rows[0].trader()
	return store.WalletStats{PnL: t.Profit, Volume: t.Volume, Rank: t.Rank}, nil
}

// decodeStringList decodes values that the gamma API encodes as a JSON array
// inside a string, e.g. "[\"1\",\"2\"]".
func decodeStringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &list); err == nil {
		return list
	}
	return strings.Split(strings.Trim(s, "[]"), ",")
}
