// Package ui provides the optional terminal console.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/metrics"
	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/rivo/tview"
)

const (
	// DefaultRefreshRate is how often the metric panels redraw.
	DefaultRefreshRate = 500 * time.Millisecond

	tradeBuffer = 256
	alertBuffer = 64
)

// SnapshotProvider supplies metric snapshots.
type SnapshotProvider interface {
	Snapshot() metrics.Snapshot
}

// App is the main TUI application. It is an alerts.Dispatcher and a trade
// listener; both feed the views through buffered channels and drop when the
// console falls behind.
type App struct {
	app    *tview.Application
	layout *tview.Flex

	// Views
	marketOverview *MarketOverviewView
	alertFeed      *AlertFeedView
	liveTrades     *LiveTradesView
	statsDashboard *StatsDashboardView
	topMovers      *TopMoversView

	trades  chan store.Trade
	events  chan alerts.AlertEvent
	metrics SnapshotProvider
	refresh time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates a new TUI application.
func NewApp(provider SnapshotProvider, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = DefaultRefreshRate
	}
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		app:     tview.NewApplication(),
		trades:  make(chan store.Trade, tradeBuffer),
		events:  make(chan alerts.AlertEvent, alertBuffer),
		metrics: provider,
		refresh: refresh,
		ctx:     ctx,
		cancel:  cancel,
	}

	app.marketOverview = NewMarketOverviewView()
	app.alertFeed = NewAlertFeedView()
	app.liveTrades = NewLiveTradesView()
	app.statsDashboard = NewStatsDashboardView()
	app.topMovers = NewTopMoversView()

	app.setupLayout()
	app.setupKeyboard()
	return app
}

// setupLayout creates the 5-panel layout.
func (a *App) setupLayout() {
	topRow := tview.NewFlex().
		AddItem(a.marketOverview.Widget(), 0, 1, false).
		AddItem(a.alertFeed.Widget(), 0, 2, false)

	bottomRow := tview.NewFlex().
		AddItem(a.statsDashboard.Widget(), 0, 1, false).
		AddItem(a.topMovers.Widget(), 0, 1, false)

	a.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 2, false).
		AddItem(a.liveTrades.Widget(), 0, 3, false).
		AddItem(bottomRow, 0, 2, false)

	a.app.SetRoot(a.layout, true)
}

// setupKeyboard configures keyboard shortcuts.
func (a *App) setupKeyboard() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			a.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				a.Stop()
				return nil
			case 'r', 'R':
				a.redraw()
				return nil
			}
		}
		return event
	})
}

// Dispatch queues an alert for the feed panel.
func (a *App) Dispatch(_ context.Context, ev alerts.AlertEvent) error {
	select {
	case a.events <- ev:
	default:
		slog.Debug("console_alert_dropped", "id", ev.ID)
	}
	return nil
}

// AddTrade queues a trade for the live panel.
func (a *App) AddTrade(t store.Trade) {
	select {
	case a.trades <- t:
	default:
	}
}

// Done is closed once the console stops.
func (a *App) Done() <-chan struct{} {
	return a.ctx.Done()
}

// Run starts the TUI application (blocking).
func (a *App) Run() error {
	go a.processTrades()
	go a.processAlerts()
	go a.updateLoop()

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("app run failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

func (a *App) processTrades() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case trade := <-a.trades:
			a.app.QueueUpdateDraw(func() {
				a.liveTrades.AddTrade(trade)
			})
		}
	}
}

func (a *App) processAlerts() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.events:
			a.app.QueueUpdateDraw(func() {
				a.alertFeed.AddEvent(ev)
			})
		}
	}
}

// updateLoop periodically refreshes views with metrics data.
func (a *App) updateLoop() {
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.metrics.Snapshot()
			a.app.QueueUpdateDraw(func() {
				a.update(snapshot)
			})
		}
	}
}

func (a *App) update(snapshot metrics.Snapshot) {
	a.statsDashboard.Update(snapshot)
	a.topMovers.Update(snapshot)
	a.marketOverview.Update(snapshot)
}

// redraw manually refreshes all views.
func (a *App) redraw() {
	snapshot := a.metrics.Snapshot()
	a.app.QueueUpdateDraw(func() {
		a.update(snapshot)
		a.alertFeed.Refresh()
		a.liveTrades.Refresh()
	})
}

// truncateAddress truncates a wallet address for display.
func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// truncateText shortens free text to maxLen runes.
func truncateText(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
