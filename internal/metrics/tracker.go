// Package metrics tracks pipeline counters in-process for the console and
// mirrors them to Prometheus.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
)

const (
	rateWindow     = 60 * time.Second
	activityWindow = 60 * time.Minute
)

// PricePoint represents a price at a specific time.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// MarketActivity tracks activity for a single market.
type MarketActivity struct {
	MarketID    string
	Question    string
	TradeCount  int
	Volume      float64
	LastPrice   float64
	PricePoints []PricePoint
	LastUpdate  time.Time
}

// MoverStats represents a market with significant activity.
type MoverStats struct {
	MarketID     string
	Question     string
	PriceChange  float64 // percentage
	Volume       float64
	TradeCount   int
	CurrentPrice float64
}

// Snapshot is a point-in-time view of metrics.
type Snapshot struct {
	TradesTotal      int64
	TradesBySource   map[string]int64
	Duplicates       int64
	Malformed        int64
	AlertsByCategory map[string]int64
	DispatchFailures map[string]int64
	Failovers        map[string]int64
	TradeRate        float64 // trades per second
	MarketActivities map[string]*MarketActivity
	TopMovers        []MoverStats
	Uptime           time.Duration
	FeedState        string
	LastPoll         time.Time
	QueueUsed        int
	QueueCap         int
}

// Tracker provides thread-safe metrics tracking. It satisfies the observer
// interfaces of the feed, poller, pipeline and dispatch fanout.
type Tracker struct {
	mu               sync.RWMutex
	tradesBySource   map[string]int64
	tradesTotal      int64
	duplicates       int64
	malformed        int64
	alertsByCategory map[string]int64
	dispatchFailures map[string]int64
	failovers        map[string]int64
	marketActivity   map[string]*MarketActivity
	startTime        time.Time
	tradeTimestamps  []time.Time
	feedState        string
	lastPoll         time.Time
	queueUsed        int
	queueCap         int

	collectors *Collectors
	now        func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithCollectors mirrors every counter to Prometheus collectors.
func WithCollectors(c *Collectors) Option {
	return func(t *Tracker) { t.collectors = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a new Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		tradesBySource:   make(map[string]int64),
		alertsByCategory: make(map[string]int64),
		dispatchFailures: make(map[string]int64),
		failovers:        make(map[string]int64),
		marketActivity:   make(map[string]*MarketActivity),
		tradeTimestamps:  make([]time.Time, 0, 1000),
		feedState:        "disconnected",
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startTime = t.now()
	return t
}

// RecordTrade counts a received trade and updates its market activity.
func (m *Tracker) RecordTrade(trade store.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	source := trade.Source
	if source == "" {
		source = store.SourcePush
	}
	m.tradesTotal++
	m.tradesBySource[source]++

	m.tradeTimestamps = append(m.tradeTimestamps, now)
	m.tradeTimestamps = trimTimes(m.tradeTimestamps, now.Add(-rateWindow))

	if trade.ConditionID != "" {
		m.updateMarketActivity(trade.ConditionID, trade.Title, trade.Price, trade.ValueUSD(), now)
	}
	if m.collectors != nil {
		m.collectors.Trades.WithLabelValues(source).Inc()
	}
}

// updateMarketActivity must be called with the lock held.
func (m *Tracker) updateMarketActivity(marketID, question string, price, volume float64, now time.Time) {
	activity, exists := m.marketActivity[marketID]
	if !exists {
		activity = &MarketActivity{
			MarketID:    marketID,
			PricePoints: make([]PricePoint, 0, 100),
		}
		m.marketActivity[marketID] = activity
	}
	if question != "" {
		activity.Question = question
	}

	activity.TradeCount++
	activity.Volume += volume
	activity.LastPrice = price
	activity.LastUpdate = now
	activity.PricePoints = append(activity.PricePoints, PricePoint{Price: price, Timestamp: now})

	cutoff := now.Add(-activityWindow)
	idx := 0
	for idx < len(activity.PricePoints) && !activity.PricePoints[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx > 0 {
		activity.PricePoints = activity.PricePoints[idx:]
	}
}

// RecordDuplicate counts a trade rejected by dedup.
func (m *Tracker) RecordDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.Duplicates.Inc()
	}
}

// RecordMalformed counts a trade dropped for missing fields.
func (m *Tracker) RecordMalformed() {
	m.mu.Lock()
	m.malformed++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.Malformed.Inc()
	}
}

// SetQueueDepth sets the pipeline queue usage.
func (m *Tracker) SetQueueDepth(used, capacity int) {
	m.mu.Lock()
	m.queueUsed = used
	m.queueCap = capacity
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.QueueDepth.Set(float64(used))
	}
}

// ObserveProcess records how long one trade took to process.
func (m *Tracker) ObserveProcess(d time.Duration) {
	if m.collectors != nil {
		m.collectors.ProcessSeconds.Observe(d.Seconds())
	}
}

// RecordAlert counts a delivered alert.
func (m *Tracker) RecordAlert(category string) {
	m.mu.Lock()
	m.alertsByCategory[category]++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.Alerts.WithLabelValues(category).Inc()
	}
}

// RecordDispatchFailure counts a failed delivery on a sink.
func (m *Tracker) RecordDispatchFailure(sink string) {
	m.mu.Lock()
	m.dispatchFailures[sink]++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.DispatchFailures.WithLabelValues(sink).Inc()
	}
}

// SetFeedState sets the feed connection state.
func (m *Tracker) SetFeedState(state string) {
	m.mu.Lock()
	m.feedState = state
	m.mu.Unlock()
}

// RecordFailover counts a socket failover.
func (m *Tracker) RecordFailover(reason string) {
	m.mu.Lock()
	m.failovers[reason]++
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.Failovers.WithLabelValues(reason).Inc()
	}
}

// SetLastPoll sets the last wallet poll time.
func (m *Tracker) SetLastPoll(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoll = t
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *Tracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	tradeRate := 0.0
	if recent := trimTimes(m.tradeTimestamps, now.Add(-rateWindow)); len(recent) > 0 {
		if elapsed := now.Sub(recent[0]).Seconds(); elapsed > 0 {
			tradeRate = float64(len(recent)) / elapsed
		}
	}

	activitiesCopy := make(map[string]*MarketActivity, len(m.marketActivity))
	for k, v := range m.marketActivity {
		activityCopy := *v
		activityCopy.PricePoints = append([]PricePoint(nil), v.PricePoints...)
		activitiesCopy[k] = &activityCopy
	}

	return Snapshot{
		TradesTotal:      m.tradesTotal,
		TradesBySource:   copyCounts(m.tradesBySource),
		Duplicates:       m.duplicates,
		Malformed:        m.malformed,
		AlertsByCategory: copyCounts(m.alertsByCategory),
		DispatchFailures: copyCounts(m.dispatchFailures),
		Failovers:        copyCounts(m.failovers),
		TradeRate:        tradeRate,
		MarketActivities: activitiesCopy,
		TopMovers:        m.calculateTopMovers(),
		Uptime:           now.Sub(m.startTime),
		FeedState:        m.feedState,
		LastPoll:         m.lastPoll,
		QueueUsed:        m.queueUsed,
		QueueCap:         m.queueCap,
	}
}

// calculateTopMovers finds markets with largest price changes, largest first.
// Must be called with lock held.
func (m *Tracker) calculateTopMovers() []MoverStats {
	movers := make([]MoverStats, 0, len(m.marketActivity))

	for marketID, activity := range m.marketActivity {
		if len(activity.PricePoints) < 2 {
			continue
		}
		firstPrice := activity.PricePoints[0].Price
		lastPrice := activity.PricePoints[len(activity.PricePoints)-1].Price
		if firstPrice == 0 {
			continue
		}

		movers = append(movers, MoverStats{
			MarketID:     marketID,
			Question:     activity.Question,
			PriceChange:  (lastPrice - firstPrice) / firstPrice * 100,
			Volume:       activity.Volume,
			TradeCount:   activity.TradeCount,
			CurrentPrice: lastPrice,
		})
	}

	sort.Slice(movers, func(i, j int) bool {
		ai, aj := math.Abs(movers[i].PriceChange), math.Abs(movers[j].PriceChange)
		if ai != aj {
			return ai > aj
		}
		return movers[i].MarketID < movers[j].MarketID
	})
	return movers
}

// Cleanup removes markets with no recent activity.
func (m *Tracker) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-activityWindow)
	for id, activity := range m.marketActivity {
		if activity.LastUpdate.Before(cutoff) {
			delete(m.marketActivity, id)
		}
	}
}

// trimTimes drops timestamps at or before cutoff from a sorted slice.
func trimTimes(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && !ts[idx].After(cutoff) {
		idx++
	}
	return ts[idx:]
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
