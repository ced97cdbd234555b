package volatility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarkets struct {
	mu      sync.Mutex
	markets []store.Market
	err     error
	calls   int
}

func (f *fakeMarkets) ActiveMarkets(context.Context, int) ([]store.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]store.Market(nil), f.markets...), f.err
}

func (f *fakeMarkets) setPrice(id string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.markets {
		if f.markets[i].ConditionID == id {
			f.markets[i].YesPrice = price
		}
	}
}

type sportsByID map[string]bool

func (s sportsByID) MarketCategory(m store.Market) classify.Category {
	if s[m.ConditionID] {
		return classify.CategorySports
	}
	return classify.CategoryOther
}

type staticDests struct {
	dests []store.DestinationConfig
	err   error
}

func (s staticDests) Snapshot(context.Context) (alerts.Snapshot, error) {
	return alerts.NewSnapshot(s.dests, nil), s.err
}

type emitter struct {
	mu     sync.Mutex
	events []alerts.AlertEvent
}

func (e *emitter) Dispatch(_ context.Context, events ...alerts.AlertEvent) {
	e.mu.Lock()
	e.events = append(e.events, events...)
	e.mu.Unlock()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func volDest(id string, threshold float64) store.DestinationConfig {
	d := store.NewDestination(id, id)
	d.Routes.Volatility = id + "-vol"
	d.VolatilityThreshold = threshold
	return d
}

func setup(dests ...store.DestinationConfig) (*Monitor, *fakeMarkets, *emitter, *clock) {
	src := &fakeMarkets{markets: []store.Market{
		{ConditionID: "0xpol", Question: "Who wins the election?", Slug: "election", YesPrice: 0.40},
		{ConditionID: "0xnba", Question: "Lakers vs Celtics", YesPrice: 0.40},
	}}
	out := &emitter{}
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Config{}, src, sportsByID{"0xnba": true}, staticDests{dests: dests}, out, WithClock(clk.now))
	return m, src, out, clk
}

func TestCheck_EmitsPerDestinationThreshold(t *testing.T) {
	m, src, out, clk := setup(volDest("low", 10), volDest("high", 40))
	ctx := context.Background()

	events, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "no snapshot old enough yet")

	clk.advance(DefaultWindow)
	src.setPrice("0xpol", 0.50)
	src.setPrice("0xnba", 0.90)

	events, err = m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1, "sports markets are skipped")
	ev := events[0]
	assert.Equal(t, alerts.CategoryVolatility, ev.Category)
	assert.Equal(t, "low", ev.DestinationID)
	assert.Equal(t, "low-vol", ev.Route)
	require.NotNil(t, ev.Move)
	assert.InDelta(t, 25, ev.Move.ChangePct, 1e-9)
	assert.InDelta(t, 0.40, ev.Move.OldPrice, 1e-9)
	assert.Equal(t, "https://polymarket.com/event/election", ev.MarketURL)
	assert.Len(t, out.events, 1)
	assert.Zero(t, m.state.(*store.PriceHistory).PriceCount("0xnba"))
}

func TestCheck_CooldownSuppressesRepeat(t *testing.T) {
	m, src, out, clk := setup(volDest("d1", 10))
	ctx := context.Background()

	_, err := m.Check(ctx)
	require.NoError(t, err)
	clk.advance(DefaultWindow)
	src.setPrice("0xpol", 0.60)
	events, err := m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	clk.advance(DefaultInterval)
	events, err = m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	clk.advance(DefaultCooldown)
	src.setPrice("0xpol", 0.90)
	events, err = m.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1, "cooldown expired")
	assert.Len(t, out.events, 2)
}

func TestCheck_SkipsExtremeOldPrices(t *testing.T) {
	m, src, _, clk := setup(volDest("d1", 5))
	src.setPrice("0xpol", 0.005)
	ctx := context.Background()

	_, err := m.Check(ctx)
	require.NoError(t, err)
	clk.advance(DefaultWindow)
	src.setPrice("0xpol", 0.5)

	events, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCheck_NoVolatilityRouteSkipsFetch(t *testing.T) {
	d := store.NewDestination("d1", "d1")
	m, src, _, _ := setup(d)

	events, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, src.calls)
}

func TestCheck_Errors(t *testing.T) {
	out := &emitter{}
	m := New(Config{}, &fakeMarkets{}, nil, staticDests{err: errors.New("db down")}, out)
	_, err := m.Check(context.Background())
	assert.Error(t, err)

	m = New(Config{}, &fakeMarkets{err: errors.New("gamma down")}, nil, staticDests{dests: []store.DestinationConfig{volDest("d1", 10)}}, out)
	_, err = m.Check(context.Background())
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	m, _, _, clk := setup(volDest("d1", 10))
	ctx := context.Background()
	_, err := m.Check(ctx)
	require.NoError(t, err)
	history := m.state.(*store.PriceHistory)
	claimed, err := history.ClaimCooldown(ctx, "0xpol", clk.t, DefaultCooldown)
	require.NoError(t, err)
	require.True(t, claimed)

	clk.advance(DefaultSnapshotRetention + time.Minute)
	m.Prune(ctx)
	assert.Zero(t, history.PriceCount("0xpol"))
	assert.Equal(t, 1, history.CooldownCount())

	clk.advance(DefaultCooldownRetention)
	m.Prune(ctx)
	assert.Zero(t, history.CooldownCount())
}

func TestCheck_StateSurvivesRestart(t *testing.T) {
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	src := &fakeMarkets{markets: []store.Market{{ConditionID: "0xpol", Slug: "election", YesPrice: 0.40}}}
	dests := staticDests{dests: []store.DestinationConfig{volDest("d1", 10)}}
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	start := func() (*Monitor, *emitter) {
		out := &emitter{}
		return New(Config{}, src, nil, dests, out, WithClock(clk.now), WithPriceStore(db)), out
	}

	first, _ := start()
	_, err = first.Check(ctx)
	require.NoError(t, err)

	clk.advance(DefaultWindow)
	src.setPrice("0xpol", 0.60)
	second, out := start()
	events, err := second.Check(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1, "the baseline recorded before the restart is used")
	assert.Len(t, out.events, 1)

	clk.advance(DefaultInterval)
	third, _ := start()
	events, err = third.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "the cooldown claimed before the restart still holds")
}
