package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/ingest"
	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noHistory struct {
	mu    sync.Mutex
	calls int
}

func (h *noHistory) HasPriorActivity(context.Context, string, time.Time) (bool, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return false, nil
}

type sink struct {
	mu     sync.Mutex
	events []alerts.AlertEvent
}

func (s *sink) Dispatch(_ context.Context, ev alerts.AlertEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *sink) snapshot() []alerts.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerts.AlertEvent(nil), s.events...)
}

type counters struct {
	mu         sync.Mutex
	trades     int
	duplicates int
	malformed  int
}

func (c *counters) RecordTrade(store.Trade) {
	c.mu.Lock()
	c.trades++
	c.mu.Unlock()
}

func (c *counters) RecordDuplicate() {
	c.mu.Lock()
	c.duplicates++
	c.mu.Unlock()
}

func (c *counters) RecordMalformed() {
	c.mu.Lock()
	c.malformed++
	c.mu.Unlock()
}

func (c *counters) SetQueueDepth(int, int) {}

func (c *counters) ObserveProcess(time.Duration) {}

type harness struct {
	p       *Pipeline
	db      *store.Memory
	sink    *sink
	fanout  *alerts.Fanout
	history *noHistory
	counts  *counters
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		db:      store.NewMemory(),
		sink:    &sink{},
		history: &noHistory{},
		counts:  &counters{},
	}
	d := store.NewDestination("d1", "desk")
	d.Routes = store.Routes{Default: "alerts"}
	d.FreshThreshold = 10000
	d.WhaleThreshold = 10000
	require.NoError(t, h.db.UpsertDestination(context.Background(), d))

	classifier := classify.New(nil, classify.NewFreshChecker(h.db, h.history, time.Hour), nil)
	h.fanout = alerts.NewFanout(time.Second, nil)
	h.fanout.Add("test", h.sink)
	opts = append([]Option{WithObserver(h.counts)}, opts...)
	h.p = New(cfg, h.db, h.db, classifier, alerts.NewRouter(alerts.RouterConfig{TrackedIncludeSells: cfg.TrackedIncludeSells}, nil), h.fanout, opts...)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.fanout.Wait(ctx))
}

const pushFrame = `{
	"proxyWallet": "0xFRESH",
	"side": "BUY",
	"asset": "123456789",
	"conditionId": "0xcond",
	"size": 48000,
	"price": 0.5,
	"timestamp": 1767000000,
	"title": "Will it rain tomorrow?",
	"transactionHash": "0xtx1"
}`

func TestProcess_ScenarioB_FreshWalletAlertsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	trade, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)

	events := h.p.Process(context.Background(), classify.NewBatch(), trade)
	require.Len(t, events, 1)
	assert.Equal(t, alerts.CategoryFresh, events[0].Category)
	assert.Equal(t, "alerts", events[0].Route)
	assert.InDelta(t, 24000, events[0].ValueUSD, 1e-9)

	h.wait(t)
	assert.Len(t, h.sink.snapshot(), 1)
}

func TestProcess_IsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	first, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)
	second, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)
	second.Source = store.SourcePoll

	assert.NotEmpty(t, h.p.Process(context.Background(), classify.NewBatch(), first))
	assert.Empty(t, h.p.Process(context.Background(), classify.NewBatch(), second))

	h.wait(t)
	assert.Len(t, h.sink.snapshot(), 1)
	assert.Equal(t, 1, h.counts.duplicates)
	assert.Equal(t, 2, h.counts.trades)
}

func TestRun_ScenarioD_DuplicateFrameProducesNoSecondAlert(t *testing.T) {
	h := newHarness(t, Config{Workers: 4, QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		trade, err := ingest.Normalize([]byte(pushFrame))
		require.NoError(t, err)
		require.True(t, h.p.Submit(trade))
	}

	require.Eventually(t, func() bool {
		h.counts.mu.Lock()
		defer h.counts.mu.Unlock()
		return h.counts.trades == 2 && h.counts.duplicates == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	h.wait(t)
	assert.Len(t, h.sink.snapshot(), 1)
}

func TestProcess_MissingWalletIsMalformed(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Empty(t, h.p.Process(context.Background(), classify.NewBatch(), store.Trade{TransactionHash: "0x1"}))
	assert.Equal(t, 1, h.counts.malformed)
	assert.Zero(t, h.counts.trades)
}

func TestProcess_MissingTransactionHashIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	trade, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)
	trade.TransactionHash = ""

	assert.Empty(t, h.p.Process(context.Background(), classify.NewBatch(), trade))
	assert.Empty(t, h.p.Process(context.Background(), classify.NewBatch(), trade))
	assert.Equal(t, 2, h.counts.malformed)
	assert.Zero(t, h.counts.duplicates)
	assert.Zero(t, h.history.calls)

	h.wait(t)
	assert.Empty(t, h.sink.snapshot())
}

func TestProcess_SellPolicy(t *testing.T) {
	ctx := context.Background()
	sell := store.Trade{Wallet: "0xseller", Side: store.SideSell, Size: 100000, Price: 0.5, TransactionHash: "0xs1"}

	h := newHarness(t, Config{})
	require.NoError(t, h.db.TrackWallet(ctx, store.TrackedWallet{DestinationID: "d1", Wallet: "0xseller"}))
	assert.Empty(t, h.p.Process(ctx, classify.NewBatch(), sell))

	h = newHarness(t, Config{TrackedIncludeSells: true})
	untracked := sell
	untracked.Wallet = "0xother"
	assert.Empty(t, h.p.Process(ctx, classify.NewBatch(), untracked))

	require.NoError(t, h.db.TrackWallet(ctx, store.TrackedWallet{DestinationID: "d1", Wallet: "0xseller"}))
	h.p.InvalidateConfig()
	events := h.p.Process(ctx, classify.NewBatch(), sell)
	require.Len(t, events, 1)
	assert.Equal(t, alerts.CategoryTracked, events[0].Category)
}

func TestProcess_PanicIsContained(t *testing.T) {
	shouldPanic := true
	h := newHarness(t, Config{}, WithTradeListener(func(store.Trade) {
		if shouldPanic {
			panic("listener blew up")
		}
	}))
	trade, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.Nil(t, h.p.Process(context.Background(), classify.NewBatch(), trade))
	})

	shouldPanic = false
	assert.NotEmpty(t, h.p.Process(context.Background(), classify.NewBatch(), trade), "key was never marked")
}

func TestProcessBatch_SharesFreshnessAcrossWallet(t *testing.T) {
	h := newHarness(t, Config{})
	base, err := ingest.Normalize([]byte(pushFrame))
	require.NoError(t, err)
	second := base
	second.TransactionHash = "0xtx2"

	h.p.ProcessBatch(context.Background(), []store.Trade{base, second})
	h.wait(t)

	assert.Equal(t, 1, h.history.calls)
	events := h.sink.snapshot()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, alerts.CategoryFresh, ev.Category)
	}
}

func TestSubmit_DropsWhenFull(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 2})
	trade := store.Trade{Wallet: "0xa"}
	assert.True(t, h.p.Submit(trade))
	assert.True(t, h.p.Submit(trade))
	assert.False(t, h.p.Submit(trade))

	assert.Equal(t, 2, h.p.Drain(context.Background()))
	assert.Zero(t, h.p.Drain(context.Background()))
}

type failingConfig struct{ store.ConfigStore }

func (failingConfig) ActiveDestinations(context.Context) ([]store.DestinationConfig, error) {
	return nil, errors.New("db down")
}

func TestSnapshot_CachesAndReportsErrors(t *testing.T) {
	h := newHarness(t, Config{ConfigRefresh: time.Hour})
	ctx := context.Background()

	snap, err := h.p.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Destinations, 1)

	require.NoError(t, h.db.UpsertDestination(ctx, store.NewDestination("d2", "other")))
	snap, err = h.p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Destinations, 1, "served from cache")

	h.p.InvalidateConfig()
	snap, err = h.p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Destinations, 2)

	broken := New(Config{}, h.db, failingConfig{}, classify.New(nil, nil, nil), alerts.NewRouter(alerts.RouterConfig{}, nil), h.fanout)
	_, err = broken.Snapshot(ctx)
	assert.Error(t, err)
}
