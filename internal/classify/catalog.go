package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
)

// Catalog refresh defaults.
const (
	DefaultMarketRefresh   = 300 * time.Second
	DefaultTaxonomyRefresh = time.Hour
	DefaultMarketLimit     = 1000
)

// MarketSource provides market metadata and the sports taxonomy.
type MarketSource interface {
	ActiveMarkets(ctx context.Context, limit int) ([]store.Market, error)
	SportsTagIDs(ctx context.Context) ([]string, error)
	TeamNames(ctx context.Context) ([]string, error)
}

// CatalogConfig configures refresh cadence.
type CatalogConfig struct {
	MarketRefresh   time.Duration
	TaxonomyRefresh time.Duration
	MarketLimit     int
}

// Catalog is a periodically refreshed view of active markets, sports tag ids
// and team names. Lookups never call upstream.
type Catalog struct {
	src MarketSource
	cfg CatalogConfig

	mu          sync.RWMutex
	byCondition map[string]*store.Market
	byToken     map[string]*store.Market
	markets     []store.Market
	sportsTags  map[string]bool
	teams       []string
	marketsAt   time.Time
	taxonomyAt  time.Time
}

// NewCatalog creates an empty Catalog backed by src.
func NewCatalog(src MarketSource, cfg CatalogConfig) *Catalog {
	if cfg.MarketRefresh <= 0 {
		cfg.MarketRefresh = DefaultMarketRefresh
	}
	if cfg.TaxonomyRefresh <= 0 {
		cfg.TaxonomyRefresh = DefaultTaxonomyRefresh
	}
	if cfg.MarketLimit <= 0 {
		cfg.MarketLimit = DefaultMarketLimit
	}
	return &Catalog{
		src:         src,
		cfg:         cfg,
		byCondition: make(map[string]*store.Market),
		byToken:     make(map[string]*store.Market),
		sportsTags:  make(map[string]bool),
	}
}

// Run refreshes everything once and then on the configured intervals until
// ctx is cancelled. Refresh failures keep the previous contents.
func (c *Catalog) Run(ctx context.Context) {
	if err := c.RefreshTaxonomy(ctx); err != nil {
		slog.Warn("taxonomy_refresh_failed", "error", err)
	}
	if err := c.RefreshMarkets(ctx); err != nil {
		slog.Warn("market_refresh_failed", "error", err)
	}

	marketTicker := time.NewTicker(c.cfg.MarketRefresh)
	defer marketTicker.Stop()
	taxonomyTicker := time.NewTicker(c.cfg.TaxonomyRefresh)
	defer taxonomyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-marketTicker.C:
			if err := c.RefreshMarkets(ctx); err != nil {
				slog.Warn("market_refresh_failed", "error", err)
			}
		case <-taxonomyTicker.C:
			if err := c.RefreshTaxonomy(ctx); err != nil {
				slog.Warn("taxonomy_refresh_failed", "error", err)
			}
		}
	}
}

// RefreshMarkets replaces the market index.
func (c *Catalog) RefreshMarkets(ctx context.Context) error {
	markets, err := c.src.ActiveMarkets(ctx, c.cfg.MarketLimit)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}

	byCondition := make(map[string]*store.Market, len(markets))
	byToken := make(map[string]*store.Market, len(markets)*2)
	for i := range markets {
		m := &markets[i]
		byCondition[m.ConditionID] = m
		for _, id := range m.TokenIDs {
			byToken[id] = m
		}
	}

	c.mu.Lock()
	c.byCondition = byCondition
	c.byToken = byToken
	c.markets = markets
	c.marketsAt = time.Now()
	c.mu.Unlock()

	slog.Info("market_cache_refreshed", "markets", len(markets), "tokens", len(byToken))
	return nil
}

// RefreshTaxonomy replaces the sports tag ids and team names. A failed team
// fetch keeps the previous team list.
func (c *Catalog) RefreshTaxonomy(ctx context.Context) error {
	ids, err := c.src.SportsTagIDs(ctx)
	if err != nil {
		return fmt.Errorf("fetch sports tags: %w", err)
	}
	tags := make(map[string]bool, len(ids))
	for _, id := range ids {
		tags[id] = true
	}

	teams, terr := c.src.TeamNames(ctx)

	c.mu.Lock()
	c.sportsTags = tags
	if terr == nil {
		c.teams = teams
	}
	c.taxonomyAt = time.Now()
	c.mu.Unlock()

	if terr != nil {
		slog.Warn("team_refresh_failed", "error", terr)
	}
	slog.Info("sports_taxonomy_refreshed", "tag_ids", len(tags), "teams", len(teams))
	return nil
}

// Lookup finds the market for a trade, by token id first, then condition id.
func (c *Catalog) Lookup(t store.Trade) (store.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.byToken[t.AssetID]; ok && t.AssetID != "" {
		return *m, true
	}
	if m, ok := c.byCondition[t.ConditionID]; ok && t.ConditionID != "" {
		return *m, true
	}
	return store.Market{}, false
}

// Markets returns the active markets from the last refresh.
func (c *Catalog) Markets() []store.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]store.Market(nil), c.markets...)
}

// IsSportsTag reports whether id belongs to the sports taxonomy.
func (c *Catalog) IsSportsTag(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sportsTags[strings.TrimSpace(id)]
}

// matchesTeam reports whether text mentions a catalog team name.
func (c *Catalog) matchesTeam(text string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return containsAny(text, c.teams)
}

// RefreshedAt returns when markets and taxonomy were last loaded.
func (c *Catalog) RefreshedAt() (markets, taxonomy time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marketsAt, c.taxonomyAt
}
