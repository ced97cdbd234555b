package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/polyinsider/tradewatch/internal/store"
)

// Feed defaults.
const (
	DefaultFeedURL   = "wss://ws-live-data.polymarket.com"
	DefaultFeedTopic = "activity"
	DefaultFeedType  = "trades"

	DefaultDataTimeout         = 120 * time.Second
	DefaultMaxConnectionAge    = 900 * time.Second
	DefaultHealthInterval      = 10 * time.Second
	DefaultBackupDelay         = 30 * time.Second
	DefaultBackupVerifyTimeout = 5 * time.Second
	DefaultReadTimeout         = 30 * time.Second
	DefaultReconnectDelay      = 2 * time.Second
	DefaultReconnectMax        = 30 * time.Second
	DefaultFailoverRetries     = 3

	HandshakeTimeout = 10 * time.Second
	WriteTimeout     = 10 * time.Second

	frameBuffer = 256
)

var (
	// ErrNoConnection is returned when no feed connection could be opened
	// within the failover retry budget.
	ErrNoConnection = errors.New("feed: no connection available")
	// ErrFeedStopped is returned by dials attempted after Disconnect.
	ErrFeedStopped = errors.New("feed: stopped")
)

// FeedState is the lifecycle state of the FeedManager.
type FeedState int32

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateConnected
	StateSwitching
	StateStopped
)

func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSwitching:
		return "switching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FeedConfig configures the FeedManager. Zero values take the defaults above.
type FeedConfig struct {
	URL   string
	Topic string
	Type  string

	DataTimeout         time.Duration
	MaxConnectionAge    time.Duration
	HealthInterval      time.Duration
	BackupDelay         time.Duration
	BackupVerifyTimeout time.Duration
	ReadTimeout         time.Duration
	ReconnectDelay      time.Duration
	ReconnectMax        time.Duration
	FailoverRetries     int
}

func (c *FeedConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultFeedURL
	}
	if c.Topic == "" {
		c.Topic = DefaultFeedTopic
	}
	if c.Type == "" {
		c.Type = DefaultFeedType
	}
	setDefault(&c.DataTimeout, DefaultDataTimeout)
	setDefault(&c.MaxConnectionAge, DefaultMaxConnectionAge)
	setDefault(&c.HealthInterval, DefaultHealthInterval)
	setDefault(&c.BackupDelay, DefaultBackupDelay)
	setDefault(&c.BackupVerifyTimeout, DefaultBackupVerifyTimeout)
	setDefault(&c.ReadTimeout, DefaultReadTimeout)
	setDefault(&c.ReconnectDelay, DefaultReconnectDelay)
	setDefault(&c.ReconnectMax, DefaultReconnectMax)
	if c.FailoverRetries <= 0 {
		c.FailoverRetries = DefaultFailoverRetries
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// TradeHandler receives every normalized trade from the feed. It is called
// from the receive loop and must not block.
type TradeHandler func(store.Trade)

// FeedObserver is notified of lifecycle changes.
type FeedObserver interface {
	SetFeedState(state string)
	RecordFailover(reason string)
}

// FeedStats is a point-in-time view of feed counters.
type FeedStats struct {
	State       FeedState
	Frames      uint64
	Trades      uint64
	Empty       uint64
	Malformed   uint64
	Ignored     uint64
	Failovers   uint64
	Reconnects  uint64
	ConnectedAt time.Time
	LastFrame   time.Time
}

// FeedOption customizes a FeedManager.
type FeedOption func(*FeedManager)

// WithFeedObserver registers an observer for state changes and failovers.
func WithFeedObserver(o FeedObserver) FeedOption {
	return func(m *FeedManager) { m.observer = o }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) FeedOption {
	return func(m *FeedManager) { m.dialer = d }
}

type subscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

type subscribeMessage struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

type switchRequest struct {
	connID uint64
	reason string
}

// FeedManager keeps a primary and a warm backup connection to the push feed.
// Health is judged by data activity only. Only the manager's own goroutines
// mutate connection state.
type FeedManager struct {
	cfg      FeedConfig
	dialer   *websocket.Dialer
	handler  TradeHandler
	observer FeedObserver

	mu           sync.Mutex
	primary      *feedConn
	backup       *feedConn
	primarySince time.Time
	nextID       uint64

	state    atomic.Int32
	switchCh chan switchRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	closers  sync.WaitGroup

	frames     atomic.Uint64
	trades     atomic.Uint64
	empty      atomic.Uint64
	malformed  atomic.Uint64
	ignored    atomic.Uint64
	failovers  atomic.Uint64
	reconnects atomic.Uint64
}

// NewFeedManager creates a FeedManager delivering trades to handler.
func NewFeedManager(cfg FeedConfig, handler TradeHandler, opts ...FeedOption) *FeedManager {
	cfg.applyDefaults()
	m := &FeedManager{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		handler:  handler,
		switchCh: make(chan switchRequest, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect runs the feed until Disconnect is called (returns nil) or ctx is
// cancelled (returns ctx.Err()). Connection failures are retried with backoff.
func (m *FeedManager) Connect(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := m.cfg.ReconnectDelay
	for {
		if m.stopped() {
			m.setState(StateStopped)
			return nil
		}
		if err := parent.Err(); err != nil {
			m.setState(StateDisconnected)
			return err
		}

		connected, err := m.runSession(ctx)
		if m.stopped() {
			m.setState(StateStopped)
			return nil
		}
		if perr := parent.Err(); perr != nil {
			m.setState(StateDisconnected)
			return perr
		}
		if connected {
			delay = m.cfg.ReconnectDelay
		}

		m.setState(StateDisconnected)
		m.reconnects.Add(1)
		slog.Warn("feed_session_ended", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.cfg.ReconnectMax {
			delay = m.cfg.ReconnectMax
		}
	}
}

// Disconnect stops the feed, closes every socket and waits for the close
// handshakes. Safe to call more than once.
func (m *FeedManager) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.closeAll()
		slog.Info("feed_disconnected")
	})
	m.closers.Wait()
}

// State returns the current lifecycle state.
func (m *FeedManager) State() FeedState {
	return FeedState(m.state.Load())
}

// Stats returns the feed counters.
func (m *FeedManager) Stats() FeedStats {
	s := FeedStats{
		State:      m.State(),
		Frames:     m.frames.Load(),
		Trades:     m.trades.Load(),
		Empty:      m.empty.Load(),
		Malformed:  m.malformed.Load(),
		Ignored:    m.ignored.Load(),
		Failovers:  m.failovers.Load(),
		Reconnects: m.reconnects.Load(),
	}
	m.mu.Lock()
	if m.primary != nil {
		s.ConnectedAt = m.primary.opened
		s.LastFrame = m.primary.lastActivity()
	}
	m.mu.Unlock()
	return s
}

// runSession connects a primary and serves it until a failure the failover
// budget cannot absorb. connected reports whether a primary was ever up.
func (m *FeedManager) runSession(ctx context.Context) (connected bool, err error) {
	m.setState(StateConnecting)
	primary, err := m.dial(ctx, true)
	if err != nil {
		return false, fmt.Errorf("connect primary: %w", err)
	}
	m.installPrimary(primary)
	m.setState(StateConnected)

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.healthMonitor(sctx)
	}()
	go func() {
		defer wg.Done()
		m.backupMaintainer(sctx)
	}()

	err = m.receiveLoop(sctx)
	cancel()
	wg.Wait()
	m.closeAll()
	return true, err
}

// receiveLoop delivers frames from the current primary in order and services
// switch requests. Waits are bounded by ReadTimeout.
func (m *FeedManager) receiveLoop(ctx context.Context) error {
	timer := time.NewTimer(m.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		conn := m.primary
		m.mu.Unlock()
		if conn == nil {
			return ErrNoConnection
		}

		timer.Reset(m.cfg.ReadTimeout)
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-conn.frames:
			m.handleFrame(msg)

		case <-conn.done:
			m.drain(conn)
			slog.Warn("feed_primary_closed", "conn", conn.id, "error", conn.err)
			if err := m.failover(ctx, "closed"); err != nil {
				return err
			}

		case req := <-m.switchCh:
			if req.connID != conn.id {
				continue
			}
			if err := m.failover(ctx, req.reason); err != nil {
				return err
			}

		case <-timer.C:
			// Nothing arrived; re-check state.
		}
	}
}

// drain delivers frames the reader queued before the connection closed.
func (m *FeedManager) drain(conn *feedConn) {
	if conn == nil {
		return
	}
	for {
		select {
		case msg := <-conn.frames:
			m.handleFrame(msg)
		default:
			return
		}
	}
}

// failover promotes the warm backup, or dials fresh connections with
// exponential backoff up to FailoverRetries.
func (m *FeedManager) failover(ctx context.Context, reason string) error {
	if m.stopped() {
		return ErrFeedStopped
	}
	m.setState(StateSwitching)
	m.failovers.Add(1)
	if m.observer != nil {
		m.observer.RecordFailover(reason)
	}

	m.mu.Lock()
	old := m.primary
	backup := m.backup
	m.backup = nil
	m.mu.Unlock()

	// Frames the retiring primary already read are delivered before it goes.
	m.drain(old)

	if backup != nil && backup.alive() {
		backup.activate()
		m.installPrimary(backup)
		m.closeAsync(old)
		m.setState(StateConnected)
		slog.Info("feed_failover", "reason", reason, "promoted", backup.id, "retired", connID(old))
		return nil
	}
	m.closeAsync(backup)
	m.closeAsync(old)
	slog.Warn("feed_failover_no_backup", "reason", reason)

	wait := time.Second
	for attempt := 1; attempt <= m.cfg.FailoverRetries; attempt++ {
		conn, err := m.dial(ctx, true)
		if err == nil {
			m.installPrimary(conn)
			m.setState(StateConnected)
			slog.Info("feed_failover", "reason", reason, "promoted", conn.id, "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrFeedStopped) {
			return err
		}
		slog.Warn("feed_failover_dial_failed", "attempt", attempt, "error", err)
		if attempt == m.cfg.FailoverRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > m.cfg.ReconnectMax {
			wait = m.cfg.ReconnectMax
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrNoConnection, m.cfg.FailoverRetries)
}

// healthMonitor requests a switch when the primary has been silent longer
// than DataTimeout or has outlived MaxConnectionAge.
func (m *FeedManager) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			conn := m.primary
			m.mu.Unlock()
			if conn == nil {
				continue
			}

			idle := time.Since(conn.lastActivity())
			age := time.Since(conn.opened)
			switch {
			case idle > m.cfg.DataTimeout:
				slog.Warn("feed_data_timeout", "conn", conn.id, "idle", idle.Round(time.Millisecond))
				m.requestSwitch(conn.id, "data_timeout")
			case age > m.cfg.MaxConnectionAge:
				slog.Info("feed_max_age", "conn", conn.id, "age", age.Round(time.Second))
				m.requestSwitch(conn.id, "max_age")
			}
		}
	}
}

func (m *FeedManager) requestSwitch(connID uint64, reason string) {
	select {
	case m.switchCh <- switchRequest{connID: connID, reason: reason}:
	default:
	}
}

// backupMaintainer keeps one verified backup connection warm once the
// primary has been up for BackupDelay.
func (m *FeedManager) backupMaintainer(ctx context.Context) {
	ticker := time.NewTicker(minDuration(m.cfg.HealthInterval, m.cfg.BackupDelay))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ensureBackup(ctx)
		}
	}
}

func (m *FeedManager) ensureBackup(ctx context.Context) {
	m.mu.Lock()
	if m.backup != nil && !m.backup.alive() {
		dead := m.backup
		m.backup = nil
		m.closeAsync(dead)
	}
	ready := m.primary != nil && m.backup == nil && time.Since(m.primarySince) >= m.cfg.BackupDelay
	m.mu.Unlock()
	if !ready {
		return
	}

	conn, err := m.dial(ctx, false)
	if err != nil {
		slog.Warn("feed_backup_dial_failed", "error", err)
		return
	}

	select {
	case <-conn.firstFrame:
	case <-conn.done:
		slog.Warn("feed_backup_closed_before_verify", "conn", conn.id, "error", conn.err)
		m.closeAsync(conn)
		return
	case <-time.After(m.cfg.BackupVerifyTimeout):
		slog.Warn("feed_backup_unverified", "conn", conn.id, "timeout", m.cfg.BackupVerifyTimeout)
		m.closeAsync(conn)
		return
	case <-ctx.Done():
		m.closeAsync(conn)
		return
	}

	m.mu.Lock()
	if m.backup != nil || m.stopped() {
		m.mu.Unlock()
		m.closeAsync(conn)
		return
	}
	m.backup = conn
	m.mu.Unlock()
	slog.Info("feed_backup_ready", "conn", conn.id)
}

// dial opens and subscribes a connection. Backups start inactive.
func (m *FeedManager) dial(ctx context.Context, active bool) (*feedConn, error) {
	if m.stopped() {
		return nil, ErrFeedStopped
	}

	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	dctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	ws, resp, err := m.dialer.DialContext(dctx, m.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	sub := subscribeMessage{
		Action:        "subscribe",
		Subscriptions: []subscription{{Topic: m.cfg.Topic, Type: m.cfg.Type}},
	}
	_ = ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := ws.WriteJSON(sub); err != nil {
		ws.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	conn := newFeedConn(id, ws, active)
	go conn.readLoop(m.cfg.DataTimeout + m.cfg.ReadTimeout)

	role := "backup"
	if active {
		role = "primary"
	}
	slog.Info("feed_connected", "conn", id, "role", role, "endpoint", m.cfg.URL,
		"topic", m.cfg.Topic, "type", m.cfg.Type)
	return conn, nil
}

func (m *FeedManager) installPrimary(conn *feedConn) {
	m.mu.Lock()
	m.primary = conn
	m.primarySince = time.Now()
	m.mu.Unlock()
}

// handleFrame decodes one frame and hands any trade to the handler.
func (m *FeedManager) handleFrame(msg []byte) {
	m.frames.Add(1)

	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		m.empty.Add(1)
		return
	}

	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		m.malformed.Add(1)
		slog.Debug("feed_frame_malformed", "error", err, "raw", truncate(string(msg), 120))
		return
	}
	if (f.Type != m.cfg.Type && f.Type != "orders_matched") || (f.Topic != "" && f.Topic != m.cfg.Topic) {
		m.ignored.Add(1)
		return
	}
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		m.empty.Add(1)
		return
	}

	trade, err := Normalize(f.Payload)
	if err != nil {
		m.malformed.Add(1)
		slog.Debug("feed_payload_malformed", "error", err, "raw", truncate(string(f.Payload), 120))
		return
	}
	if trade.Timestamp.IsZero() {
		if ts := time.Time(f.Timestamp); !ts.IsZero() {
			trade.Timestamp = ts.UTC().Truncate(time.Second)
		}
	}
	trade.Source = store.SourcePush
	m.trades.Add(1)
	m.deliver(trade)
}

func (m *FeedManager) deliver(trade store.Trade) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("feed_handler_panic", "panic", r, "wallet", truncate(trade.Wallet, 10))
		}
	}()
	m.handler(trade)
}

func (m *FeedManager) setState(s FeedState) {
	if FeedState(m.state.Swap(int32(s))) == s {
		return
	}
	if m.observer != nil {
		m.observer.SetFeedState(s.String())
	}
}

func (m *FeedManager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// closeAll closes the primary and backup synchronously.
func (m *FeedManager) closeAll() {
	m.mu.Lock()
	primary, backup := m.primary, m.backup
	m.primary, m.backup = nil, nil
	m.mu.Unlock()

	if primary != nil {
		primary.close()
	}
	if backup != nil {
		backup.close()
	}
}

// closeAsync retires a connection without blocking the caller.
func (m *FeedManager) closeAsync(conn *feedConn) {
	if conn == nil {
		return
	}
	m.closers.Add(1)
	go func() {
		defer m.closers.Done()
		conn.close()
	}()
}

// feedConn is one websocket connection with its own reader goroutine.
type feedConn struct {
	id     uint64
	ws     *websocket.Conn
	opened time.Time

	frames     chan []byte
	done       chan struct{}
	closing    chan struct{}
	firstFrame chan struct{}
	err        error

	active    atomic.Bool
	lastFrame atomic.Int64
	firstOnce sync.Once
	closeOnce sync.Once
}

func newFeedConn(id uint64, ws *websocket.Conn, active bool) *feedConn {
	c := &feedConn{
		id:         id,
		ws:         ws,
		opened:     time.Now(),
		frames:     make(chan []byte, frameBuffer),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		firstFrame: make(chan struct{}),
	}
	c.active.Store(active)
	c.lastFrame.Store(c.opened.UnixNano())
	return c
}

// readLoop forwards frames while active and only records activity otherwise.
// The read deadline guards against a dead peer if nobody rotates the socket.
func (c *feedConn) readLoop(deadline time.Duration) {
	defer close(c.done)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		c.lastFrame.Store(time.Now().UnixNano())
		c.firstOnce.Do(func() { close(c.firstFrame) })

		if !c.active.Load() {
			continue
		}
		select {
		case c.frames <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *feedConn) activate() { c.active.Store(true) }

func (c *feedConn) lastActivity() time.Time {
	return time.Unix(0, c.lastFrame.Load())
}

func (c *feedConn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *feedConn) close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
		<-c.done
	})
}

func connID(c *feedConn) uint64 {
	if c == nil {
		return 0
	}
	return c.id
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
