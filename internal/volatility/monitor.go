// Package volatility watches active market prices and alerts destinations
// about large swings within a time window.
package volatility

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/store"
)

// Monitor defaults.
const (
	DefaultInterval          = 5 * time.Minute
	DefaultWindow            = 60 * time.Minute
	DefaultCooldown          = 120 * time.Minute
	DefaultSnapshotRetention = 3 * time.Hour
	DefaultCooldownRetention = 24 * time.Hour
	DefaultPruneInterval     = time.Hour
	DefaultMarketLimit       = 200

	// Old prices at the extremes produce meaningless percentages.
	minOldPrice = 0.01
	maxOldPrice = 0.99
)

// MarketSource lists active markets with their current yes-price.
type MarketSource interface {
	ActiveMarkets(ctx context.Context, limit int) ([]store.Market, error)
}

// Categorizer resolves a market's category.
type Categorizer interface {
	MarketCategory(m store.Market) classify.Category
}

// DestinationSource provides the current routing view.
type DestinationSource interface {
	Snapshot(ctx context.Context) (alerts.Snapshot, error)
}

// Emitter delivers events.
type Emitter interface {
	Dispatch(ctx context.Context, events ...alerts.AlertEvent)
}

// Config configures a Monitor.
type Config struct {
	Interval          time.Duration
	Window            time.Duration
	Cooldown          time.Duration
	SnapshotRetention time.Duration
	CooldownRetention time.Duration
	PruneInterval     time.Duration
	MarketLimit       int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = DefaultSnapshotRetention
	}
	if c.CooldownRetention <= 0 {
		c.CooldownRetention = DefaultCooldownRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.MarketLimit <= 0 {
		c.MarketLimit = DefaultMarketLimit
	}
}

// Monitor samples prices on a fixed interval. Snapshots and cooldowns are
// kept in a store.PriceStore, in process memory unless WithPriceStore is
// given.
type Monitor struct {
	cfg      Config
	markets  MarketSource
	category Categorizer
	dests    DestinationSource
	out      Emitter
	state    store.PriceStore
	now      func() time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithPriceStore persists snapshots and cooldowns in s instead of process
// memory.
func WithPriceStore(s store.PriceStore) Option {
	return func(m *Monitor) { m.state = s }
}

// New creates a Monitor. category may be nil, in which case no market is
// treated as sports.
func New(cfg Config, markets MarketSource, category Categorizer, dests DestinationSource, out Emitter, opts ...Option) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:      cfg,
		markets:  markets,
		category: category,
		dests:    dests,
		out:      out,
		state:    store.NewPriceHistory(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples every interval and prunes every prune interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	sample := time.NewTicker(m.cfg.Interval)
	defer sample.Stop()
	prune := time.NewTicker(m.cfg.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("volatility_check_failed", "error", err)
			}
		case <-prune.C:
			m.Prune(ctx)
		}
	}
}

// Check records a snapshot of every non-sports market, then emits events for
// swings that cross a destination's threshold. The emitted events are
// returned.
func (m *Monitor) Check(ctx context.Context) ([]alerts.AlertEvent, error) {
	snap, err := m.dests.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	var targets []store.DestinationConfig
	lowest := math.Inf(1)
	for _, d := range snap.Destinations {
		if d.Paused || d.Routes.Volatility == "" {
			continue
		}
		targets = append(targets, d)
		lowest = math.Min(lowest, d.VolatilityThreshold)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	markets, err := m.markets.ActiveMarkets(ctx, m.cfg.MarketLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}

	now := m.now()
	var tracked []store.Market
	for _, mk := range markets {
		if mk.ConditionID == "" {
			continue
		}
		if m.category != nil && m.category.MarketCategory(mk) == classify.CategorySports {
			continue
		}
		if err := m.state.RecordPrice(ctx, mk.ConditionID, now, mk.YesPrice); err != nil {
			return nil, fmt.Errorf("record price: %w", err)
		}
		tracked = append(tracked, mk)
	}

	var events []alerts.AlertEvent
	for _, mk := range tracked {
		old, ok, err := m.state.PriceBefore(ctx, mk.ConditionID, now.Add(-m.cfg.Window))
		if err != nil {
			slog.Warn("price_lookup_failed", "condition", truncate(mk.ConditionID, 12), "error", err)
			continue
		}
		if !ok || old.Price <= minOldPrice || old.Price >= maxOldPrice {
			continue
		}
		pct := (mk.YesPrice - old.Price) / old.Price * 100
		if math.Abs(pct) < lowest {
			continue
		}
		claimed, err := m.state.ClaimCooldown(ctx, mk.ConditionID, now, m.cfg.Cooldown)
		if err != nil {
			slog.Warn("cooldown_claim_failed", "condition", truncate(mk.ConditionID, 12), "error", err)
			continue
		}
		if !claimed {
			continue
		}

		move := alerts.PriceMove{
			ConditionID: mk.ConditionID,
			Question:    mk.Question,
			Slug:        coalesce(mk.EventSlug, mk.Slug),
			OldPrice:    old.Price,
			NewPrice:    mk.YesPrice,
			ChangePct:   pct,
			Window:      m.cfg.Window,
		}
		slog.Info("volatility_detected",
			"condition", truncate(mk.ConditionID, 12),
			"old_price", fmt.Sprintf("%.3f", old.Price),
			"new_price", fmt.Sprintf("%.3f", mk.YesPrice),
			"change_pct", fmt.Sprintf("%.1f", pct),
		)
		for _, d := range targets {
			if math.Abs(pct) < d.VolatilityThreshold {
				continue
			}
			events = append(events, newEvent(d, mk, move, now))
		}
	}

	if len(events) > 0 {
		m.out.Dispatch(ctx, events...)
	}
	return events, nil
}

// Prune drops snapshots older than the snapshot retention and cooldown
// records older than the cooldown retention.
func (m *Monitor) Prune(ctx context.Context) {
	now := m.now()
	removed, err := m.state.PrunePrices(ctx, now.Add(-m.cfg.SnapshotRetention))
	if err != nil {
		slog.Warn("price_prune_failed", "error", err)
	} else if removed > 0 {
		slog.Info("price_snapshots_pruned", "removed", removed)
	}
	if _, err := m.state.PruneCooldowns(ctx, now.Add(-m.cfg.CooldownRetention)); err != nil {
		slog.Warn("cooldown_prune_failed", "error", err)
	}
}

func newEvent(d store.DestinationConfig, mk store.Market, move alerts.PriceMove, now time.Time) alerts.AlertEvent {
	ref := store.Trade{ConditionID: mk.ConditionID, Slug: mk.Slug, EventSlug: mk.EventSlug}
	return alerts.AlertEvent{
		ID:              uuid.NewString(),
		Category:        alerts.CategoryVolatility,
		DestinationID:   d.ID,
		DestinationName: d.Name,
		Route:           d.Routes.Volatility,
		MarketURL:       ref.MarketURL(),
		Move:            &move,
		CreatedAt:       now,
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
