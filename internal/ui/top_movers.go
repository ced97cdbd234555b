package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/polyinsider/tradewatch/internal/metrics"
	"github.com/rivo/tview"
)

var topMoverHeaders = []string{"Market", "Change", "Trades", "Volume"}

// TopMoversView displays markets with the largest price changes.
type TopMoversView struct {
	table *tview.Table
	limit int
}

// NewTopMoversView creates a new top movers view.
func NewTopMoversView() *TopMoversView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Top Movers ").SetBorder(true)
	setHeader(table, topMoverHeaders, false)

	return &TopMoversView{table: table, limit: 10}
}

// Widget returns the tview primitive.
func (v *TopMoversView) Widget() tview.Primitive {
	return v.table
}

// Update refreshes the top movers display. Movers arrive sorted.
func (v *TopMoversView) Update(snapshot metrics.Snapshot) {
	v.table.Clear()
	setHeader(v.table, topMoverHeaders, false)

	movers := snapshot.TopMovers
	if len(movers) > v.limit {
		movers = movers[:v.limit]
	}
	if len(movers) == 0 {
		v.table.SetCell(1, 0, tview.NewTableCell("No data yet...").
			SetAlign(tview.AlignCenter).
			SetExpansion(1))
		return
	}

	for i, mover := range movers {
		row := i + 1
		question := mover.Question
		if question == "" {
			question = mover.MarketID
		}

		changeColor := tcell.ColorWhite
		if mover.PriceChange > 0 {
			changeColor = tcell.ColorGreen
		} else if mover.PriceChange < 0 {
			changeColor = tcell.ColorRed
		}

		v.table.SetCell(row, 0, tview.NewTableCell(truncateText(question, 25)).SetAlign(tview.AlignLeft))
		v.table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%+.2f%%", mover.PriceChange)).
			SetAlign(tview.AlignRight).
			SetTextColor(changeColor))
		v.table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", mover.TradeCount)).SetAlign(tview.AlignRight))
		v.table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("$%.0f", mover.Volume)).SetAlign(tview.AlignRight))
	}
}
