package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/rivo/tview"
)

// AlertFeedView displays routed alerts, newest first.
type AlertFeedView struct {
	list     *tview.List
	events   []alerts.AlertEvent
	maxItems int
}

// NewAlertFeedView creates a new alert feed view.
func NewAlertFeedView() *AlertFeedView {
	list := tview.NewList().
		ShowSecondaryText(true)

	list.SetTitle(" Alerts ").SetBorder(true)
	list.SetMainTextColor(tcell.ColorWhite)

	v := &AlertFeedView{
		list:     list,
		events:   make([]alerts.AlertEvent, 0, 50),
		maxItems: 50,
	}
	v.rebuildList()
	return v
}

// Widget returns the tview primitive.
func (v *AlertFeedView) Widget() tview.Primitive {
	return v.list
}

// AddEvent adds an alert to the top of the list.
func (v *AlertFeedView) AddEvent(ev alerts.AlertEvent) {
	v.events = append([]alerts.AlertEvent{ev}, v.events...)
	if len(v.events) > v.maxItems {
		v.events = v.events[:v.maxItems]
	}
	v.rebuildList()
}

// Refresh redraws the list.
func (v *AlertFeedView) Refresh() {
	v.rebuildList()
}

func (v *AlertFeedView) rebuildList() {
	v.list.Clear()

	if len(v.events) == 0 {
		v.list.AddItem("No alerts yet", "", 0, nil)
		v.list.SetTitle(" Alerts ")
		return
	}
	for _, ev := range v.events {
		mainText, secondaryText := formatEvent(ev)
		v.list.AddItem(mainText, secondaryText, 0, nil)
	}
	v.list.SetTitle(fmt.Sprintf(" Alerts (%d) ", len(v.events)))
}

// formatEvent renders an alert as list text using tview color tags.
func formatEvent(ev alerts.AlertEvent) (string, string) {
	color := "white"
	switch ev.Category {
	case alerts.CategoryFresh, alerts.CategoryFreshSports:
		color = "red"
	case alerts.CategoryWhale, alerts.CategoryWhaleSports:
		color = "blue"
	case alerts.CategoryTracked, alerts.CategoryTopTrader:
		color = "yellow"
	case alerts.CategoryBond:
		color = "aqua"
	case alerts.CategoryVolatility:
		color = "green"
	}

	timeStr := ev.CreatedAt.Format("15:04:05")
	mainText := fmt.Sprintf("%s [%s]%s[-] → %s", timeStr, color, ev.Category, ev.DestinationName)

	if ev.Move != nil {
		secondary := fmt.Sprintf("%s | %.2f → %.2f (%+.1f%%)",
			truncateText(ev.Move.Question, 40), ev.Move.OldPrice, ev.Move.NewPrice, ev.Move.ChangePct)
		return mainText, secondary
	}
	if ev.Trade == nil {
		return mainText, ev.Route
	}

	secondary := fmt.Sprintf("Wallet: %s | $%.2f | %s",
		truncateAddress(ev.Trade.Wallet), ev.ValueUSD, truncateText(ev.Trade.Title, 40))
	if ev.TopTrader != nil {
		secondary += fmt.Sprintf(" | Rank #%d", ev.TopTrader.Rank)
	}
	if ev.TrackedLabel != "" {
		secondary += " | " + ev.TrackedLabel
	}
	return mainText, secondary
}
