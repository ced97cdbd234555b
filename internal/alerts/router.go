// Package alerts decides which destinations hear about a trade and delivers
// the resulting events to the configured sinks.
package alerts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/store"
)

// Category tags an AlertEvent.
type Category string

const (
	CategoryTracked     Category = "tracked"
	CategoryTopTrader   Category = "top_trader"
	CategoryBond        Category = "bond"
	CategoryFresh       Category = "fresh"
	CategoryWhale       Category = "whale"
	CategoryFreshSports Category = "fresh_sports"
	CategoryWhaleSports Category = "whale_sports"
	CategoryVolatility  Category = "volatility"
)

// DefaultBondFloor is the minimum USD value for a bond alert.
const DefaultBondFloor = 5000.0

// PriceMove describes a market price swing for volatility alerts.
type PriceMove struct {
	ConditionID string        `json:"condition_id"`
	Question    string        `json:"question"`
	Slug        string        `json:"slug,omitempty"`
	OldPrice    float64       `json:"old_price"`
	NewPrice    float64       `json:"new_price"`
	ChangePct   float64       `json:"change_pct"`
	Window      time.Duration `json:"window"`
}

// AlertEvent means "announce this to this destination under this category".
type AlertEvent struct {
	ID              string             `json:"id"`
	Category        Category           `json:"category"`
	DestinationID   string             `json:"destination_id"`
	DestinationName string             `json:"destination_name,omitempty"`
	Route           string             `json:"route"`
	Trade           *store.Trade       `json:"trade,omitempty"`
	MarketCategory  string             `json:"market_category,omitempty"`
	ValueUSD        float64            `json:"value_usd"`
	MarketURL       string             `json:"market_url,omitempty"`
	Stats           *store.WalletStats `json:"stats,omitempty"`
	TrackedLabel    string             `json:"tracked_label,omitempty"`
	TopTrader       *store.TraderInfo  `json:"top_trader,omitempty"`
	Move            *PriceMove         `json:"move,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// StatsProvider supplies supplementary wallet stats.
type StatsProvider interface {
	Stats(ctx context.Context, wallet string) (*store.WalletStats, error)
}

// Snapshot is the routing configuration read once per trade.
type Snapshot struct {
	Destinations []store.DestinationConfig
	tracked      map[string]map[string]store.TrackedWallet
}

// NewSnapshot indexes tracked wallets by destination and wallet.
func NewSnapshot(dests []store.DestinationConfig, tracked []store.TrackedWallet) Snapshot {
	idx := make(map[string]map[string]store.TrackedWallet)
	for _, tw := range tracked {
		byWallet, ok := idx[tw.DestinationID]
		if !ok {
			byWallet = make(map[string]store.TrackedWallet)
			idx[tw.DestinationID] = byWallet
		}
		byWallet[strings.ToLower(tw.Wallet)] = tw
	}
	return Snapshot{Destinations: dests, tracked: idx}
}

// Tracked returns the tracking row for a destination and wallet.
func (s Snapshot) Tracked(destinationID, wallet string) (store.TrackedWallet, bool) {
	tw, ok := s.tracked[destinationID][strings.ToLower(wallet)]
	return tw, ok
}

// IsTracked reports whether any destination tracks the wallet.
func (s Snapshot) IsTracked(wallet string) bool {
	wallet = strings.ToLower(wallet)
	for _, byWallet := range s.tracked {
		if _, ok := byWallet[wallet]; ok {
			return true
		}
	}
	return false
}

// RouterConfig configures Router policy.
type RouterConfig struct {
	BondFloor float64
	// TrackedIncludeSells lets SELL trades of tracked wallets alert.
	TrackedIncludeSells bool
}

// Router turns a classified trade into AlertEvents.
type Router struct {
	cfg   RouterConfig
	stats StatsProvider
	now   func() time.Time
}

// NewRouter creates a Router. stats may be nil.
func NewRouter(cfg RouterConfig, stats StatsProvider) *Router {
	if cfg.BondFloor <= 0 {
		cfg.BondFloor = DefaultBondFloor
	}
	return &Router{cfg: cfg, stats: stats, now: time.Now}
}

// Route evaluates the trade against every destination in the snapshot.
func (r *Router) Route(ctx context.Context, t store.Trade, c classify.Classification, snap Snapshot) []AlertEvent {
	var events []AlertEvent
	for _, d := range snap.Destinations {
		if d.Paused {
			continue
		}
		events = append(events, r.routeDestination(t, c, d, snap)...)
	}
	if len(events) == 0 {
		return nil
	}

	if r.stats != nil {
		stats, err := r.stats.Stats(ctx, t.Wallet)
		if err != nil {
			slog.Debug("wallet_stats_unavailable", "wallet", truncate(t.Wallet, 10), "error", err)
		}
		for i := range events {
			events[i].Stats = stats
		}
	}
	return events
}

func (r *Router) routeDestination(t store.Trade, c classify.Classification, d store.DestinationConfig, snap Snapshot) []AlertEvent {
	var events []AlertEvent
	used := make(map[string]bool)
	emit := func(cat Category, route string, mod func(*AlertEvent)) {
		if route == "" {
			return
		}
		ev := r.newEvent(cat, t, c, d, route)
		if mod != nil {
			mod(&ev)
		}
		used[route] = true
		events = append(events, ev)
	}

	if tw, ok := snap.Tracked(d.ID, t.Wallet); ok && tw.Covers(t.Timestamp) && (t.IsBuy() || r.cfg.TrackedIncludeSells) {
		emit(CategoryTracked, d.Routes.TrackedRoute(), func(ev *AlertEvent) { ev.TrackedLabel = tw.Label })
	}

	if !t.IsBuy() {
		return events
	}

	if c.TopTrader != nil {
		top := *c.TopTrader
		emit(CategoryTopTrader, d.Routes.TopTrader, func(ev *AlertEvent) { ev.TopTrader = &top })
	}

	value := t.ValueUSD()
	if c.Sports {
		switch {
		case c.Fresh && !c.Bond && value >= d.SportsThreshold:
			emit(CategoryFreshSports, d.Routes.SportsRoute(true), nil)
		case !c.Bond && value >= d.SportsThreshold:
			emit(CategoryWhaleSports, d.Routes.SportsRoute(false), nil)
		}
		return events
	}

	switch {
	case c.Bond:
		if value >= r.cfg.BondFloor && d.Routes.Bonds != "" && !used[d.Routes.Bonds] {
			emit(CategoryBond, d.Routes.Bonds, nil)
		}
	case c.Fresh && value >= d.FreshThreshold:
		emit(CategoryFresh, d.Routes.FreshRoute(), nil)
	case value >= d.WhaleThreshold:
		emit(CategoryWhale, d.Routes.WhaleRoute(), nil)
	}
	return events
}

func (r *Router) newEvent(cat Category, t store.Trade, c classify.Classification, d store.DestinationConfig, route string) AlertEvent {
	trade := t
	return AlertEvent{
		ID:              uuid.NewString(),
		Category:        cat,
		DestinationID:   d.ID,
		DestinationName: d.Name,
		Route:           route,
		Trade:           &trade,
		MarketCategory:  string(c.Category),
		ValueUSD:        t.ValueUSD(),
		MarketURL:       t.MarketURL(),
		CreatedAt:       r.now().UTC(),
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
