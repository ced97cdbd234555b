package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
)

const (
	// DefaultPollInterval is the tracked-wallet sweep interval.
	DefaultPollInterval = 30 * time.Second
	// DefaultPollTradeLimit is the number of recent trades fetched per wallet.
	DefaultPollTradeLimit = 10
)

// TradeSource fetches a wallet's recent trades.
type TradeSource interface {
	WalletTrades(ctx context.Context, wallet string, limit int) ([]store.Trade, error)
}

// TrackedLister lists the tracked wallets of every destination.
type TrackedLister interface {
	TrackedWallets(ctx context.Context) ([]store.TrackedWallet, error)
}

// BatchProcessor consumes one sweep worth of trades.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, trades []store.Trade)
}

// PollObserver is told when a sweep finishes.
type PollObserver interface {
	SetLastPoll(t time.Time)
}

// PollerConfig configures the WalletPoller.
type PollerConfig struct {
	Interval   time.Duration
	TradeLimit int
}

// WalletPoller sweeps tracked wallets over REST so their trades are seen even
// when the push feed misses them.
type WalletPoller struct {
	cfg       PollerConfig
	source    TradeSource
	tracked   TrackedLister
	processor BatchProcessor
	observer  PollObserver

	mu       sync.Mutex
	lastPoll time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWalletPoller creates a WalletPoller. observer may be nil.
func NewWalletPoller(cfg PollerConfig, source TradeSource, tracked TrackedLister, processor BatchProcessor, observer PollObserver) *WalletPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = DefaultPollTradeLimit
	}
	return &WalletPoller{
		cfg:       cfg,
		source:    source,
		tracked:   tracked,
		processor: processor,
		observer:  observer,
	}
}

// Start launches the poll loop in the background.
func (p *WalletPoller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels the loop and waits for the current sweep, or until ctx ends.
func (p *WalletPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastPoll returns when the last sweep finished.
func (p *WalletPoller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

func (p *WalletPoller) run(ctx context.Context) {
	slog.Info("wallet_poller_started", "interval", p.cfg.Interval, "trade_limit", p.cfg.TradeLimit)
	defer slog.Info("wallet_poller_stopped")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one sweep: every unique tracked wallet is fetched and the combined
// trades are handed to the processor as a single batch.
func (p *WalletPoller) Poll(ctx context.Context) {
	tracked, err := p.tracked.TrackedWallets(ctx)
	if err != nil {
		slog.Warn("poll_tracked_load_failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(tracked))
	var batch []store.Trade
	failed := 0
	for _, tw := range tracked {
		if seen[tw.Wallet] {
			continue
		}
		seen[tw.Wallet] = true

		if ctx.Err() != nil {
			return
		}
		trades, err := p.source.WalletTrades(ctx, tw.Wallet, p.cfg.TradeLimit)
		if err != nil {
			failed++
			slog.Warn("poll_wallet_failed", "wallet", truncate(tw.Wallet, 10), "error", err)
			continue
		}
		batch = append(batch, trades...)
	}

	if len(batch) > 0 {
		p.processor.ProcessBatch(ctx, batch)
	}

	now := time.Now()
	p.mu.Lock()
	p.lastPoll = now
	p.mu.Unlock()
	if p.observer != nil {
		p.observer.SetLastPoll(now)
	}
	slog.Debug("poll_complete", "wallets", len(seen), "trades", len(batch), "failed", failed)
}
