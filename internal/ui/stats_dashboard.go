package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/polyinsider/tradewatch/internal/metrics"
	"github.com/rivo/tview"
)

// StatsDashboardView displays system health and pipeline counters.
type StatsDashboardView struct {
	textView *tview.TextView
}

// NewStatsDashboardView creates a new stats dashboard view.
func NewStatsDashboardView() *StatsDashboardView {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)

	textView.SetTitle(" Stats Dashboard ").SetBorder(true)

	return &StatsDashboardView{textView: textView}
}

// Widget returns the tview primitive.
func (v *StatsDashboardView) Widget() tview.Primitive {
	return v.textView
}

// Update refreshes the stats display.
func (v *StatsDashboardView) Update(snapshot metrics.Snapshot) {
	v.textView.Clear()
	fmt.Fprint(v.textView, renderStats(snapshot, time.Now()))
}

func renderStats(snapshot metrics.Snapshot, now time.Time) string {
	feedColor := "red"
	switch snapshot.FeedState {
	case "connected":
		feedColor = "green"
	case "connecting", "switching":
		feedColor = "yellow"
	}

	queuePct := 0.0
	if snapshot.QueueCap > 0 {
		queuePct = float64(snapshot.QueueUsed) / float64(snapshot.QueueCap) * 100
	}

	var failovers int64
	for _, n := range snapshot.Failovers {
		failovers += n
	}
	var dispatchFailures int64
	for _, n := range snapshot.DispatchFailures {
		dispatchFailures += n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]System Status[-]\n")
	fmt.Fprintf(&b, "Uptime: %s\n", formatDuration(snapshot.Uptime))
	fmt.Fprintf(&b, "Feed: [%s]%s[-] (failovers %d)\n", feedColor, snapshot.FeedState, failovers)
	fmt.Fprintf(&b, "Wallet poll: %s\n", formatTimeAgo(snapshot.LastPoll, now))

	fmt.Fprintf(&b, "\n[yellow]Trade Stats[-]\n")
	fmt.Fprintf(&b, "Total: %d (push %d, poll %d)\n",
		snapshot.TradesTotal, snapshot.TradesBySource["push"], snapshot.TradesBySource["poll"])
	fmt.Fprintf(&b, "Duplicates: %d  Malformed: %d\n", snapshot.Duplicates, snapshot.Malformed)
	fmt.Fprintf(&b, "Rate: %.2f trades/sec\n", snapshot.TradeRate)

	fmt.Fprintf(&b, "\n[yellow]Alerts[-]\n")
	cats := make([]string, 0, len(snapshot.AlertsByCategory))
	for c := range snapshot.AlertsByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	if len(cats) == 0 {
		fmt.Fprintf(&b, "none yet\n")
	}
	for _, c := range cats {
		fmt.Fprintf(&b, "%s: %d\n", c, snapshot.AlertsByCategory[c])
	}
	if dispatchFailures > 0 {
		fmt.Fprintf(&b, "[red]Dispatch failures: %d[-]\n", dispatchFailures)
	}

	fmt.Fprintf(&b, "\n[yellow]Performance[-]\n")
	fmt.Fprintf(&b, "Queue: %d/%d (%.1f%%)\n", snapshot.QueueUsed, snapshot.QueueCap, queuePct)
	return b.String()
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// formatTimeAgo formats a time as "X ago".
func formatTimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}

	elapsed := now.Sub(t)
	if elapsed < time.Minute {
		return fmt.Sprintf("%.0fs ago", elapsed.Seconds())
	}
	if elapsed < time.Hour {
		return fmt.Sprintf("%.0fm ago", elapsed.Minutes())
	}
	if elapsed < 24*time.Hour {
		return fmt.Sprintf("%.0fh ago", elapsed.Hours())
	}
	return fmt.Sprintf("%.0fd ago", elapsed.Hours()/24)
}
