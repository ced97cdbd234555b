package classify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/polyinsider/tradewatch/internal/cache"
	"github.com/polyinsider/tradewatch/internal/store"
)

// DefaultHistoryTTL bounds how long a wallet-history verdict is reused.
const DefaultHistoryTTL = time.Hour

// HistorySource answers whether a wallet traded before a point in time.
type HistorySource interface {
	HasPriorActivity(ctx context.Context, wallet string, before time.Time) (bool, error)
}

// Batch memoizes freshness verdicts for one processing batch. A nil *Batch
// disables memoization. Safe for concurrent use.
type Batch struct {
	mu    sync.Mutex
	fresh map[string]bool
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{fresh: make(map[string]bool)}
}

func (b *Batch) get(wallet string) (bool, bool) {
	if b == nil {
		return false, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.fresh[wallet]
	return v, ok
}

func (b *Batch) set(wallet string, fresh bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.fresh[wallet] = fresh
	b.mu.Unlock()
}

// FreshChecker decides whether a wallet is seen for the first time and has no
// prior on-chain history.
type FreshChecker struct {
	wallets store.WalletStore
	history HistorySource
	cache   *cache.TTL[string, bool]
}

// NewFreshChecker creates a FreshChecker caching history lookups for ttl.
func NewFreshChecker(wallets store.WalletStore, history HistorySource, ttl time.Duration) *FreshChecker {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &FreshChecker{
		wallets: wallets,
		history: history,
		cache:   cache.New[string, bool](ttl),
	}
}

// Check records the trade against the wallet's profile and returns whether the
// wallet is fresh. Only the call that creates the profile can report fresh, so
// concurrent trades from one new wallet yield a single fresh verdict. Errors
// count as not fresh.
func (f *FreshChecker) Check(ctx context.Context, b *Batch, t store.Trade) bool {
	wallet := t.Wallet
	if wallet == "" {
		return false
	}

	if verdict, ok := b.get(wallet); ok {
		f.bump(ctx, wallet)
		return verdict
	}

	first := store.WalletProfile{Wallet: wallet, FirstSeen: seenAt(t.Timestamp), TxCount: 1}
	created, err := f.wallets.CreateWallet(ctx, first)
	if err != nil {
		slog.Warn("wallet_profile_create_failed", "wallet", truncate(wallet, 10), "error", err)
		b.set(wallet, false)
		return false
	}
	if !created {
		f.bump(ctx, wallet)
		b.set(wallet, false)
		return false
	}

	prior, ok := f.cache.Get(wallet)
	if !ok {
		prior, err = f.history.HasPriorActivity(ctx, wallet, t.Timestamp)
		if err != nil {
			slog.Debug("wallet_history_lookup_failed", "wallet", truncate(wallet, 10), "error", err)
			b.set(wallet, false)
			return false
		}
		f.cache.Put(wallet, prior)
	}

	fresh := !prior
	b.set(wallet, fresh)
	return fresh
}

// bump increments the transaction count of a known wallet.
func (f *FreshChecker) bump(ctx context.Context, wallet string) {
	if err := f.wallets.IncrementWallet(ctx, wallet); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("wallet_profile_update_failed", "wallet", truncate(wallet, 10), "error", err)
	}
}

func seenAt(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
