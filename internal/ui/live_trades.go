package ui

import (
	"fmt"

	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/rivo/tview"
)

var liveTradeHeaders = []string{"Time", "Market", "Side", "Price", "Value", "Wallet", "Src"}

// LiveTradesView displays a scrolling feed of incoming trades.
type LiveTradesView struct {
	table   *tview.Table
	trades  []store.Trade
	maxRows int
}

// NewLiveTradesView creates a new live trades view.
func NewLiveTradesView() *LiveTradesView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Live Trades ").SetBorder(true)
	setHeader(table, liveTradeHeaders, false)

	return &LiveTradesView{
		table:   table,
		trades:  make([]store.Trade, 0, 100),
		maxRows: 100,
	}
}

// Widget returns the tview primitive.
func (v *LiveTradesView) Widget() tview.Primitive {
	return v.table
}

// AddTrade adds a new trade to the view.
func (v *LiveTradesView) AddTrade(trade store.Trade) {
	v.trades = append([]store.Trade{trade}, v.trades...)
	if len(v.trades) > v.maxRows {
		v.trades = v.trades[:v.maxRows]
	}
	v.updateTable()
}

// Refresh redraws the table.
func (v *LiveTradesView) Refresh() {
	v.updateTable()
}

func (v *LiveTradesView) updateTable() {
	v.table.Clear()
	setHeader(v.table, liveTradeHeaders, false)

	for i, trade := range v.trades {
		market := trade.Title
		if market == "" {
			market = trade.ConditionID
		}
		wallet := truncateAddress(trade.Wallet)
		if wallet == "" {
			wallet = "unknown"
		}

		cells := []string{
			trade.Timestamp.Format("15:04:05"),
			truncateText(market, 32),
			trade.Side,
			fmt.Sprintf("%.3f", trade.Price),
			fmt.Sprintf("$%.0f", trade.ValueUSD()),
			wallet,
			trade.Source,
		}
		for col, text := range cells {
			v.table.SetCell(i+1, col, tview.NewTableCell(text).SetAlign(tview.AlignLeft))
		}
	}

	v.table.SetTitle(fmt.Sprintf(" Live Trades (%d) ", len(v.trades)))
}

// setHeader writes a header row.
func setHeader(table *tview.Table, headers []string, expand bool) {
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false)
		if expand {
			cell.SetExpansion(1)
		}
		table.SetCell(0, col, cell)
	}
}
