package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestTracker_CountersAndSnapshot(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(WithClock(clk.now))

	tr.RecordTrade(store.Trade{ConditionID: "m1", Title: "Rain?", Price: 0.40, Size: 100, Source: store.SourcePush})
	clk.t = clk.t.Add(10 * time.Second)
	tr.RecordTrade(store.Trade{ConditionID: "m1", Price: 0.50, Size: 100, Source: store.SourcePoll})
	tr.RecordDuplicate()
	tr.RecordMalformed()
	tr.RecordAlert("whale")
	tr.RecordAlert("whale")
	tr.RecordDispatchFailure("webhook")
	tr.RecordFailover("data_timeout")
	tr.SetFeedState("connected")
	tr.SetQueueDepth(3, 1000)
	poll := clk.t.Add(-time.Second)
	tr.SetLastPoll(poll)

	snap := tr.Snapshot()
	assert.EqualValues(t, 2, snap.TradesTotal)
	assert.EqualValues(t, 1, snap.TradesBySource[store.SourcePoll])
	assert.EqualValues(t, 1, snap.Duplicates)
	assert.EqualValues(t, 1, snap.Malformed)
	assert.EqualValues(t, 2, snap.AlertsByCategory["whale"])
	assert.EqualValues(t, 1, snap.DispatchFailures["webhook"])
	assert.EqualValues(t, 1, snap.Failovers["data_timeout"])
	assert.Equal(t, "connected", snap.FeedState)
	assert.Equal(t, 3, snap.QueueUsed)
	assert.Equal(t, poll, snap.LastPoll)
	assert.Equal(t, 10*time.Second, snap.Uptime)
	assert.InDelta(t, 0.2, snap.TradeRate, 1e-9)

	activity := snap.MarketActivities["m1"]
	require.NotNil(t, activity)
	assert.Equal(t, 2, activity.TradeCount)
	assert.Equal(t, "Rain?", activity.Question)
	assert.InDelta(t, 90, activity.Volume, 1e-9)
}

func TestTracker_TopMoversSorted(t *testing.T) {
	tr := NewTracker()
	record := func(id string, prices ...float64) {
		for _, p := range prices {
			tr.RecordTrade(store.Trade{ConditionID: id, Price: p, Size: 1})
		}
	}
	record("small", 0.50, 0.55)
	record("big", 0.50, 0.20)
	record("single", 0.30)

	movers := tr.Snapshot().TopMovers
	require.Len(t, movers, 2)
	assert.Equal(t, "big", movers[0].MarketID)
	assert.InDelta(t, -60, movers[0].PriceChange, 1e-9)
	assert.Equal(t, "small", movers[1].MarketID)
}

func TestTracker_Cleanup(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	tr := NewTracker(WithClock(clk.now))
	tr.RecordTrade(store.Trade{ConditionID: "old", Price: 0.5})

	clk.t = clk.t.Add(2 * time.Hour)
	tr.RecordTrade(store.Trade{ConditionID: "new", Price: 0.5})
	tr.Cleanup()

	snap := tr.Snapshot()
	assert.NotContains(t, snap.MarketActivities, "old")
	assert.Contains(t, snap.MarketActivities, "new")
	assert.Zero(t, snap.TradeRate, "a single trade in the window has no rate")
}

func TestCollectors_MirrorTracker(t *testing.T) {
	c := NewCollectors(prometheus.NewRegistry())
	tr := NewTracker(WithCollectors(c))

	tr.RecordTrade(store.Trade{Source: store.SourcePoll})
	tr.RecordDuplicate()
	tr.RecordAlert("fresh")
	tr.RecordFailover("max_age")
	tr.SetQueueDepth(7, 10)
	tr.ObserveProcess(time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(c.Trades.WithLabelValues("poll")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.Duplicates), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.Alerts.WithLabelValues("fresh")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(c.Failovers.WithLabelValues("max_age")), 1e-9)
	assert.InDelta(t, 7, testutil.ToFloat64(c.QueueDepth), 1e-9)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tradewatch_trades_total")
	assert.Contains(t, string(body), "tradewatch_process_seconds_bucket")
}
