package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/polyinsider/tradewatch/internal/cache"
	"github.com/polyinsider/tradewatch/internal/store"
)

// Leaderboard defaults.
const (
	DefaultTopTraderCount     = 25
	DefaultLeaderboardRefresh = 10 * time.Minute
	DefaultNegativeRankTTL    = 24 * time.Hour
	DefaultWalletStatsTTL     = 10 * time.Minute
)

// RankSource provides leaderboard data.
type RankSource interface {
	Leaderboard(ctx context.Context, limit int) ([]store.TraderInfo, error)
	WalletStats(ctx context.Context, wallet string) (store.WalletStats, error)
}

// TopTradersConfig configures TopTraders.
type TopTradersConfig struct {
	Count       int
	Refresh     time.Duration
	NegativeTTL time.Duration
}

// TopTraders answers whether a wallet is in the leaderboard top N.
type TopTraders struct {
	src      RankSource
	cfg      TopTradersConfig
	board    *cache.TTL[string, store.TraderInfo]
	negative *cache.TTL[string, struct{}]
}

// NewTopTraders creates an empty TopTraders. Call Refresh or Run to load it.
func NewTopTraders(src RankSource, cfg TopTradersConfig) *TopTraders {
	if cfg.Count <= 0 {
		cfg.Count = DefaultTopTraderCount
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultLeaderboardRefresh
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeRankTTL
	}
	return &TopTraders{
		src: src,
		cfg: cfg,
		// Entries outlive one missed refresh.
		board:    cache.New[string, store.TraderInfo](2 * cfg.Refresh),
		negative: cache.New[string, struct{}](cfg.NegativeTTL),
	}
}

// Refresh reloads the top N.
func (t *TopTraders) Refresh(ctx context.Context) error {
	traders, err := t.src.Leaderboard(ctx, t.cfg.Count)
	if err != nil {
		return fmt.Errorf("fetch leaderboard: %w", err)
	}
	for _, tr := range traders {
		if tr.Rank > t.cfg.Count {
			continue
		}
		t.board.Put(tr.Wallet, tr)
		t.negative.Delete(tr.Wallet)
	}
	slog.Info("leaderboard_refreshed", "traders", len(traders))
	return nil
}

// Run refreshes now and then every Refresh interval until ctx ends.
func (t *TopTraders) Run(ctx context.Context) {
	if err := t.Refresh(ctx); err != nil {
		slog.Warn("leaderboard_refresh_failed", "error", err)
	}
	ticker := time.NewTicker(t.cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				slog.Warn("leaderboard_refresh_failed", "error", err)
			}
			t.negative.Prune()
		}
	}
}

// Lookup returns the wallet's leaderboard entry when it ranks in the top N,
// or nil. A miss falls back to one live rank lookup; wallets outside the top N
// are remembered for NegativeTTL.
func (t *TopTraders) Lookup(ctx context.Context, wallet string) *store.TraderInfo {
	wallet = strings.ToLower(wallet)
	if wallet == "" {
		return nil
	}
	if tr, ok := t.board.Get(wallet); ok {
		return &tr
	}
	if _, ok := t.negative.Get(wallet); ok {
		return nil
	}

	stats, err := t.src.WalletStats(ctx, wallet)
	if err != nil {
		slog.Debug("rank_lookup_failed", "wallet", truncate(wallet, 10), "error", err)
		return nil
	}
	if stats.Rank <= 0 || stats.Rank > t.cfg.Count {
		t.negative.Put(wallet, struct{}{})
		return nil
	}
	tr := store.TraderInfo{Wallet: wallet, Rank: stats.Rank, Profit: stats.PnL, Volume: stats.Volume}
	t.board.Put(wallet, tr)
	return &tr
}

// WalletStatsCache fronts per-wallet PnL and rank lookups.
type WalletStatsCache struct {
	src   RankSource
	cache *cache.TTL[string, store.WalletStats]
}

// NewWalletStatsCache creates a WalletStatsCache with the given TTL.
func NewWalletStatsCache(src RankSource, ttl time.Duration) *WalletStatsCache {
	if ttl <= 0 {
		ttl = DefaultWalletStatsTTL
	}
	return &WalletStatsCache{src: src, cache: cache.New[string, store.WalletStats](ttl, cache.WithMaxSize(10000))}
}

// Stats returns cached or freshly fetched stats. Errors are not cached.
func (w *WalletStatsCache) Stats(ctx context.Context, wallet string) (*store.WalletStats, error) {
	if s, ok := w.cache.Get(wallet); ok {
		return &s, nil
	}
	s, err := w.src.WalletStats(ctx, wallet)
	if err != nil {
		return nil, err
	}
	w.cache.Put(wallet, s)
	return &s, nil
}
