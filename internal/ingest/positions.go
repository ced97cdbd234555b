package ingest

import (
	"context"
	"net/url"
	"strings"
)

// Position is one open holding of a wallet as reported by the data API.
type Position struct {
	Wallet       string
	AssetID      string
	ConditionID  string
	Title        string
	Outcome      string
	Size         float64
	AvgPrice     float64
	CurPrice     float64
	CurrentValue float64
	CashPnL      float64
	PercentPnL   float64
	Redeemable   bool
}

type positionRow struct {
	ProxyWallet  string    `json:"proxyWallet"`
	Asset        string    `json:"asset"`
	ConditionID  string    `json:"conditionId"`
	Title        string    `json:"title"`
	Outcome      string    `json:"outcome"`
	Size         flexFloat `json:"size"`
	AvgPrice     flexFloat `json:"avgPrice"`
	CurPrice     flexFloat `json:"curPrice"`
	CurrentValue flexFloat `json:"currentValue"`
	CashPnL      flexFloat `json:"cashPnl"`
	PercentPnL   flexFloat `json:"percentPnl"`
	Redeemable   bool      `json:"redeemable"`
}

// WalletPositions returns the wallet's current positions. Rows with no size
// are skipped.
func (c *Client) WalletPositions(ctx context.Context, wallet string) ([]Position, error) {
	params := url.Values{}
	params.Set("user", wallet)

	var rows []positionRow
	if err := c.getJSON(ctx, "wallet_positions", c.dataURL, "/positions", params, &rows); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		if r.Size <= 0 {
			continue
		}
		owner := r.ProxyWallet
		if owner == "" {
			owner = wallet
		}
		positions = append(positions, Position{
			Wallet:       strings.ToLower(owner),
			AssetID:      r.Asset,
			ConditionID:  r.ConditionID,
			Title:        r.Title,
			Outcome:      r.Outcome,
			Size:         float64(r.Size),
			AvgPrice:     float64(r.AvgPrice),
			CurPrice:     float64(r.CurPrice),
			CurrentValue: float64(r.CurrentValue),
			CashPnL:      float64(r.CashPnL),
			PercentPnL:   float64(r.PercentPnL),
			Redeemable:   r.Redeemable,
		})
	}
	return positions, nil
}
