package ui

import (
	"fmt"
	"sort"
	"time"

	"github.com/polyinsider/tradewatch/internal/metrics"
	"github.com/rivo/tview"
)

var marketHeaders = []string{"Market", "Trades", "Volume", "Price", "Updated"}

// MarketOverviewView displays the most active markets.
type MarketOverviewView struct {
	table *tview.Table
	limit int
}

// NewMarketOverviewView creates a new market overview view.
func NewMarketOverviewView() *MarketOverviewView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Market Activity ").SetBorder(true)
	setHeader(table, marketHeaders, true)

	return &MarketOverviewView{table: table, limit: 10}
}

// Widget returns the tview primitive.
func (v *MarketOverviewView) Widget() tview.Primitive {
	return v.table
}

// Update refreshes the view with new metrics data.
func (v *MarketOverviewView) Update(snapshot metrics.Snapshot) {
	v.table.Clear()
	setHeader(v.table, marketHeaders, false)

	markets := make([]*metrics.MarketActivity, 0, len(snapshot.MarketActivities))
	for _, activity := range snapshot.MarketActivities {
		markets = append(markets, activity)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].TradeCount != markets[j].TradeCount {
			return markets[i].TradeCount > markets[j].TradeCount
		}
		return markets[i].MarketID < markets[j].MarketID
	})
	if len(markets) > v.limit {
		markets = markets[:v.limit]
	}

	now := time.Now()
	for i, market := range markets {
		question := market.Question
		if question == "" {
			question = market.MarketID
		}
		cells := []string{
			truncateText(question, 30),
			fmt.Sprintf("%d", market.TradeCount),
			fmt.Sprintf("$%.0f", market.Volume),
			fmt.Sprintf("%.3f", market.LastPrice),
			formatTimeAgo(market.LastUpdate, now),
		}
		for col, text := range cells {
			v.table.SetCell(i+1, col, tview.NewTableCell(text).
				SetAlign(tview.AlignLeft).
				SetExpansion(1))
		}
	}

	v.table.SetTitle(fmt.Sprintf(" Market Activity (%d active) ", len(snapshot.MarketActivities)))
}
