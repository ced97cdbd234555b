package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFeedServer starts a websocket server. behave runs once per accepted
// connection with its 1-based index; gone closes when the client hangs up.
func mockFeedServer(t *testing.T, behave func(n int, conn *websocket.Conn, gone <-chan struct{})) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var count atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeMessage
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Action != "subscribe" {
			t.Errorf("unexpected subscribe message: %s", msg)
			return
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		behave(int(count.Add(1)), conn, gone)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func tradeFrame(tx string) []byte {
	return []byte(fmt.Sprintf(`{"topic":"activity","type":"trades","timestamp":1767000000000,"payload":{`+
		`"proxyWallet":"0xAbC","side":"BUY","asset":"123","conditionId":"0xc","size":10,"price":0.5,`+
		`"timestamp":1767000000,"transactionHash":%q}}`, tx))
}

// stream sends frames tagged prefix-i every interval until the client leaves
// or count frames were sent (count < 0 means forever).
func stream(conn *websocket.Conn, gone <-chan struct{}, prefix string, interval time.Duration, count int) {
	for i := 0; count < 0 || i < count; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, tradeFrame(fmt.Sprintf("%s-%d", prefix, i))); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-time.After(interval):
		}
	}
}

type recorder struct {
	mu  sync.Mutex
	txs []string
}

func (r *recorder) handle(t store.Trade) {
	r.mu.Lock()
	r.txs = append(r.txs, t.TransactionHash)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.txs...)
}

func (r *recorder) hasPrefix(p string) bool {
	for _, tx := range r.snapshot() {
		if strings.HasPrefix(tx, p) {
			return true
		}
	}
	return false
}

func fastFeedConfig(url string) FeedConfig {
	return FeedConfig{
		URL:                 url,
		DataTimeout:         300 * time.Millisecond,
		MaxConnectionAge:    time.Hour,
		HealthInterval:      20 * time.Millisecond,
		BackupDelay:         20 * time.Millisecond,
		BackupVerifyTimeout: time.Second,
		ReadTimeout:         50 * time.Millisecond,
		ReconnectDelay:      10 * time.Millisecond,
		ReconnectMax:        50 * time.Millisecond,
		FailoverRetries:     3,
	}
}

func startFeed(t *testing.T, fm *FeedManager) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- fm.Connect(context.Background()) }()
	t.Cleanup(fm.Disconnect)
	return errCh
}

func requireRunning(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		t.Fatalf("Connect returned early: %v", err)
	default:
	}
}

func TestFeedManager_DeliversInFrameOrder(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		if n == 1 {
			stream(conn, gone, "tx", 0, 50)
		}
		<-gone
	})

	rec := &recorder{}
	cfg := fastFeedConfig(wsURL(server))
	cfg.DataTimeout = time.Minute
	cfg.BackupDelay = time.Hour
	fm := NewFeedManager(cfg, rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 50 }, 3*time.Second, 10*time.Millisecond)
	for i, tx := range rec.snapshot() {
		assert.Equal(t, fmt.Sprintf("tx-%d", i), tx)
	}
	assert.Equal(t, StateConnected, fm.State())

	fm.Disconnect()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateStopped, fm.State())
}

func TestFeedManager_NormalizesPushTrades(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		stream(conn, gone, "tx", 0, 1)
		<-gone
	})

	var (
		mu  sync.Mutex
		got []store.Trade
	)
	fm := NewFeedManager(fastFeedConfig(wsURL(server)), func(tr store.Trade) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})
	startFeed(t, fm)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	tr := got[0]
	mu.Unlock()
	assert.Equal(t, "0xabc", tr.Wallet)
	assert.Equal(t, store.SourcePush, tr.Source)
	assert.InDelta(t, 5.0, tr.ValueUSD(), 1e-9)
	assert.Equal(t, int64(1767000000), tr.Timestamp.Unix())
}

func TestFeedManager_FailoverOnDataTimeout(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		if n == 1 {
			// Primary sends a little, then freezes without closing.
			stream(conn, gone, "p", 0, 3)
			<-gone
			return
		}
		stream(conn, gone, fmt.Sprintf("b%d", n), 10*time.Millisecond, -1)
	})

	rec := &recorder{}
	fm := NewFeedManager(fastFeedConfig(wsURL(server)), rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return rec.hasPrefix("b") }, 5*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)

	txs := rec.snapshot()
	require.GreaterOrEqual(t, len(txs), 4)
	assert.Equal(t, []string{"p-0", "p-1", "p-2"}, txs[:3])
	assert.GreaterOrEqual(t, fm.Stats().Failovers, uint64(1))
}

func TestFeedManager_RotatesOnMaxAge(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		stream(conn, gone, fmt.Sprintf("c%d", n), 10*time.Millisecond, -1)
	})

	rec := &recorder{}
	cfg := fastFeedConfig(wsURL(server))
	cfg.DataTimeout = time.Minute
	cfg.MaxConnectionAge = 200 * time.Millisecond
	fm := NewFeedManager(cfg, rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return fm.Stats().Failovers >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rec.hasPrefix("c2") || rec.hasPrefix("c3") }, 5*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)
}

func TestFeedManager_FailoverWithoutBackupDialsFresh(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		if n == 1 {
			stream(conn, gone, "p", 0, 2)
			<-gone
			return
		}
		stream(conn, gone, fmt.Sprintf("f%d", n), 10*time.Millisecond, -1)
	})

	rec := &recorder{}
	cfg := fastFeedConfig(wsURL(server))
	cfg.BackupDelay = time.Hour
	fm := NewFeedManager(cfg, rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return rec.hasPrefix("f2") }, 5*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)
	assert.Equal(t, uint64(0), fm.Stats().Reconnects)
}

func TestFeedManager_PrimaryCloseFailsOver(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		if n == 1 {
			stream(conn, gone, "p", 0, 2)
			return // closes the socket
		}
		stream(conn, gone, fmt.Sprintf("n%d", n), 10*time.Millisecond, -1)
	})

	rec := &recorder{}
	fm := NewFeedManager(fastFeedConfig(wsURL(server)), rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return rec.hasPrefix("n") }, 5*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)
	assert.Equal(t, []string{"p-0", "p-1"}, rec.snapshot()[:2])
}

func TestFeedManager_ReconnectsAfterRejectedDials(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		stream(conn, gone, "ok", 10*time.Millisecond, -1)
	}))
	t.Cleanup(server.Close)

	rec := &recorder{}
	cfg := fastFeedConfig(wsURL(server))
	cfg.BackupDelay = time.Hour
	cfg.DataTimeout = time.Minute
	fm := NewFeedManager(cfg, rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return rec.hasPrefix("ok") }, 5*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)
	assert.GreaterOrEqual(t, fm.Stats().Reconnects, uint64(2))
}

func TestFeedManager_CountsBadFrames(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		frames := [][]byte{
			{},
			[]byte("not json"),
			[]byte(`{"topic":"activity","type":"trades","payload":"oops"}`),
			[]byte(`{"topic":"activity","type":"subscribed"}`),
			[]byte(`{"topic":"activity","type":"trades","payload":null}`),
			tradeFrame("good"),
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		<-gone
	})

	rec := &recorder{}
	cfg := fastFeedConfig(wsURL(server))
	cfg.DataTimeout = time.Minute
	fm := NewFeedManager(cfg, rec.handle)
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)

	stats := fm.Stats()
	assert.Equal(t, uint64(6), stats.Frames)
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(2), stats.Empty)
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.Equal(t, uint64(1), stats.Trades)
}

func TestFeedManager_HandlerPanicIsContained(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		stream(conn, gone, "tx", 0, 2)
		<-gone
	})

	rec := &recorder{}
	var calls atomic.Int32
	cfg := fastFeedConfig(wsURL(server))
	cfg.DataTimeout = time.Minute
	fm := NewFeedManager(cfg, func(tr store.Trade) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		rec.handle(tr)
	})
	errCh := startFeed(t, fm)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	requireRunning(t, errCh)
	assert.Equal(t, []string{"tx-1"}, rec.snapshot())
}

func TestFeedManager_ContextCancelAndIdempotentDisconnect(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		<-gone
	})

	cfg := fastFeedConfig(wsURL(server))
	cfg.DataTimeout = time.Minute
	fm := NewFeedManager(cfg, func(store.Trade) {})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fm.Connect(ctx) }()

	require.Eventually(t, func() bool { return fm.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after cancel")
	}

	fm.Disconnect()
	fm.Disconnect()
	assert.NoError(t, fm.Connect(context.Background()), "Connect after Disconnect returns immediately")
}

type stateRecorder struct {
	mu        sync.Mutex
	states    []string
	failovers []string
}

func (s *stateRecorder) SetFeedState(state string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *stateRecorder) RecordFailover(reason string) {
	s.mu.Lock()
	s.failovers = append(s.failovers, reason)
	s.mu.Unlock()
}

func TestFeedManager_NotifiesObserver(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		if n == 1 {
			stream(conn, gone, "p", 0, 1)
			<-gone
			return
		}
		stream(conn, gone, "b", 10*time.Millisecond, -1)
	})

	obs := &stateRecorder{}
	fm := NewFeedManager(fastFeedConfig(wsURL(server)), func(store.Trade) {}, WithFeedObserver(obs))
	startFeed(t, fm)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.failovers) > 0
	}, 5*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, "data_timeout", obs.failovers[0])
	assert.Contains(t, obs.states, "connecting")
	assert.Contains(t, obs.states, "connected")
	assert.Contains(t, obs.states, "switching")
}

func TestFeedManager_FailoverDeliversBufferedFrames(t *testing.T) {
	server := mockFeedServer(t, func(n int, conn *websocket.Conn, gone <-chan struct{}) {
		<-gone
	})

	rec := &recorder{}
	fm := NewFeedManager(fastFeedConfig(wsURL(server)), rec.handle)
	t.Cleanup(fm.Disconnect)

	ctx := context.Background()
	old, err := fm.dial(ctx, true)
	require.NoError(t, err)
	backup, err := fm.dial(ctx, false)
	require.NoError(t, err)

	old.frames <- tradeFrame("old-0")
	old.frames <- tradeFrame("old-1")
	fm.installPrimary(old)
	fm.mu.Lock()
	fm.backup = backup
	fm.mu.Unlock()

	require.NoError(t, fm.failover(ctx, "max_age"))

	assert.Equal(t, []string{"old-0", "old-1"}, rec.snapshot())
	fm.mu.Lock()
	assert.Same(t, backup, fm.primary)
	fm.mu.Unlock()
	assert.Equal(t, StateConnected, fm.State())
}
