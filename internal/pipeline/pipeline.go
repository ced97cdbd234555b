// Package pipeline runs every ingested trade through dedup, classification,
// routing and dispatch. The push feed and the wallet poller share one
// Pipeline.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/cache"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/store"
)

// Pipeline defaults.
const (
	DefaultQueueSize     = 1000
	DefaultWorkers       = 5
	DefaultConfigRefresh = 10 * time.Second
)

// Observer receives pipeline counters.
type Observer interface {
	RecordTrade(t store.Trade)
	RecordDuplicate()
	RecordMalformed()
	SetQueueDepth(used, capacity int)
	ObserveProcess(d time.Duration)
}

type noopObserver struct{}

func (noopObserver) RecordTrade(store.Trade)      {}
func (noopObserver) RecordDuplicate()             {}
func (noopObserver) RecordMalformed()             {}
func (noopObserver) SetQueueDepth(int, int)       {}
func (noopObserver) ObserveProcess(time.Duration) {}

// Config configures a Pipeline.
type Config struct {
	QueueSize     int
	Workers       int
	ConfigRefresh time.Duration
	// TrackedIncludeSells keeps SELL trades of tracked wallets in the pipeline.
	TrackedIncludeSells bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithObserver sets the counter sink.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithTradeListener registers a callback for every well-formed trade before
// dedup. It must not block.
func WithTradeListener(fn func(store.Trade)) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, fn) }
}

// Pipeline is safe to call from the feed and the poller concurrently. The
// seen store is the only synchronization point between them.
type Pipeline struct {
	cfg        Config
	seen       store.SeenStore
	config     store.ConfigStore
	classifier *classify.Classifier
	router     *alerts.Router
	fanout     *alerts.Fanout

	queue     chan store.Trade
	snapshots *cache.TTL[string, alerts.Snapshot]
	observer  Observer
	listeners []func(store.Trade)

	wg sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg Config, seen store.SeenStore, config store.ConfigStore, classifier *classify.Classifier,
	router *alerts.Router, fanout *alerts.Fanout, opts ...Option) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ConfigRefresh <= 0 {
		cfg.ConfigRefresh = DefaultConfigRefresh
	}
	p := &Pipeline{
		cfg:        cfg,
		seen:       seen,
		config:     config,
		classifier: classifier,
		router:     router,
		fanout:     fanout,
		queue:      make(chan store.Trade, cfg.QueueSize),
		snapshots:  cache.New[string, alerts.Snapshot](cfg.ConfigRefresh),
		observer:   noopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues a push trade without blocking. A full queue drops the trade.
func (p *Pipeline) Submit(t store.Trade) bool {
	select {
	case p.queue <- t:
		p.observer.SetQueueDepth(len(p.queue), cap(p.queue))
		return true
	default:
		slog.Warn("trade_queue_full", "wallet", truncate(t.Wallet, 10), "tx", truncate(t.TransactionHash, 12))
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled and they exit.
func (p *Pipeline) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	p.wg.Wait()
	return nil
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	slog.Debug("worker_started", "id", id)
	defer slog.Debug("worker_stopped", "id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.observer.SetQueueDepth(len(p.queue), cap(p.queue))
			p.Process(ctx, classify.NewBatch(), t)
		}
	}
}

// Drain processes trades still queued after Run returned, until the queue is
// empty or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) int {
	drained := 0
	for {
		select {
		case <-ctx.Done():
			return drained
		case t := <-p.queue:
			p.Process(ctx, classify.NewBatch(), t)
			drained++
		default:
			return drained
		}
	}
}

// ProcessBatch handles a poll sweep synchronously. Freshness is evaluated at
// most once per wallet across the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, trades []store.Trade) {
	b := classify.NewBatch()
	for _, t := range trades {
		if ctx.Err() != nil {
			return
		}
		p.Process(ctx, b, t)
	}
}

// Process runs one trade through the pipeline and returns the events it
// dispatched. A panic anywhere inside is contained to this trade.
func (p *Pipeline) Process(ctx context.Context, b *classify.Batch, t store.Trade) (events []alerts.AlertEvent) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trade_panic", "panic", r, "wallet", truncate(t.Wallet, 10), "tx", truncate(t.TransactionHash, 12))
			events = nil
		}
		p.observer.ObserveProcess(time.Since(start))
	}()

	if t.Wallet == "" {
		p.observer.RecordMalformed()
		slog.Debug("trade_malformed", "reason", "missing wallet", "tx", truncate(t.TransactionHash, 12))
		return nil
	}
	key := t.Key()
	if key == "" {
		p.observer.RecordMalformed()
		slog.Debug("trade_malformed", "reason", "missing transaction hash", "wallet", truncate(t.Wallet, 10))
		return nil
	}
	p.observer.RecordTrade(t)
	for _, fn := range p.listeners {
		fn(t)
	}

	seen, err := p.seen.HasSeen(ctx, key)
	if err != nil {
		slog.Warn("dedup_check_failed", "error", err)
		return nil
	}
	if seen {
		p.observer.RecordDuplicate()
		return nil
	}
	inserted, err := p.seen.MarkSeen(ctx, key)
	if err != nil {
		slog.Warn("dedup_mark_failed", "error", err)
		return nil
	}
	if !inserted {
		p.observer.RecordDuplicate()
		return nil
	}

	if !t.IsBuy() && !p.cfg.TrackedIncludeSells {
		return nil
	}

	snap, err := p.snapshot(ctx)
	if err != nil {
		slog.Warn("destination_load_failed", "error", err)
		return nil
	}
	if len(snap.Destinations) == 0 {
		return nil
	}
	if !t.IsBuy() && !snap.IsTracked(t.Wallet) {
		return nil
	}

	c := p.classifier.Classify(ctx, b, t)
	events = p.router.Route(ctx, t, c, snap)
	if len(events) > 0 {
		p.fanout.Dispatch(ctx, events...)
	}

	slog.Debug("trade_processed",
		"source", t.Source,
		"wallet", truncate(t.Wallet, 10),
		"value_usd", fmt.Sprintf("%.2f", t.ValueUSD()),
		"category", c.Category,
		"fresh", c.Fresh,
		"events", len(events),
	)
	return events
}

// snapshot returns the cached destination and tracked-wallet view.
func (p *Pipeline) snapshot(ctx context.Context) (alerts.Snapshot, error) {
	if snap, ok := p.snapshots.Get(""); ok {
		return snap, nil
	}
	dests, err := p.config.ActiveDestinations(ctx)
	if err != nil {
		return alerts.Snapshot{}, fmt.Errorf("load destinations: %w", err)
	}
	tracked, err := p.config.TrackedWallets(ctx)
	if err != nil {
		return alerts.Snapshot{}, fmt.Errorf("load tracked wallets: %w", err)
	}
	snap := alerts.NewSnapshot(dests, tracked)
	p.snapshots.Put("", snap)
	return snap, nil
}

// Snapshot exposes the cached routing view for other producers such as the
// volatility monitor.
func (p *Pipeline) Snapshot(ctx context.Context) (alerts.Snapshot, error) {
	return p.snapshot(ctx)
}

// InvalidateConfig forces the next trade to reload destinations.
func (p *Pipeline) InvalidateConfig() {
	p.snapshots.Delete("")
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
