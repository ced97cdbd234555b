package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDispatchTimeout bounds a single delivery.
const DefaultDispatchTimeout = 10 * time.Second

// Dispatcher delivers an AlertEvent to one sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev AlertEvent) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ev AlertEvent) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, ev AlertEvent) error { return f(ctx, ev) }

// DispatchError is a failed delivery of one event to one sink.
type DispatchError struct {
	Sink          string
	EventID       string
	DestinationID string
	Err           error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s via %s: %v", e.EventID, e.DestinationID, e.Sink, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DispatchObserver is told about every emitted event and every failure.
type DispatchObserver interface {
	RecordAlert(category string)
	RecordDispatchFailure(sink string)
}

type namedSink struct {
	name string
	d    Dispatcher
}

// Fanout delivers every event to every sink. Each delivery runs in its own
// goroutine under its own timeout. Failures are logged and counted, never
// retried.
type Fanout struct {
	timeout  time.Duration
	observer DispatchObserver

	mu    sync.RWMutex
	sinks []namedSink
	wg    sync.WaitGroup
}

// NewFanout creates a Fanout with no sinks. observer may be nil.
func NewFanout(timeout time.Duration, observer DispatchObserver) *Fanout {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Fanout{timeout: timeout, observer: observer}
}

// Add registers a sink under a name used in logs.
func (f *Fanout) Add(name string, d Dispatcher) {
	f.mu.Lock()
	f.sinks = append(f.sinks, namedSink{name: name, d: d})
	f.mu.Unlock()
}

// Sinks returns the registered sink names.
func (f *Fanout) Sinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.name
	}
	return names
}

// Dispatch starts delivery of events and returns immediately. In-flight
// deliveries survive cancellation of ctx until their own timeout.
func (f *Fanout) Dispatch(ctx context.Context, events ...AlertEvent) {
	f.mu.RLock()
	sinks := append([]namedSink(nil), f.sinks...)
	f.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, ev := range events {
		if f.observer != nil {
			f.observer.RecordAlert(string(ev.Category))
		}
		for _, s := range sinks {
			f.wg.Add(1)
			go func(s namedSink, ev AlertEvent) {
				defer f.wg.Done()
				f.deliver(base, s, ev)
			}(s, ev)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, s namedSink, ev AlertEvent) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			f.fail(&DispatchError{Sink: s.name, EventID: ev.ID, DestinationID: ev.DestinationID, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := s.d.Dispatch(ctx, ev); err != nil {
		f.fail(&DispatchError{Sink: s.name, EventID: ev.ID, DestinationID: ev.DestinationID, Err: err})
	}
}

func (f *Fanout) fail(err *DispatchError) {
	slog.Warn("dispatch_failed", "sink", err.Sink, "event", err.EventID, "destination", err.DestinationID, "error", err.Err)
	if f.observer != nil {
		f.observer.RecordDispatchFailure(err.Sink)
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (f *Fanout) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogDispatcher writes events to the structured log.
type LogDispatcher struct{}

// Dispatch logs the event.
func (LogDispatcher) Dispatch(_ context.Context, ev AlertEvent) error {
	attrs := []any{
		"id", ev.ID,
		"category", ev.Category,
		"destination", ev.DestinationID,
		"route", ev.Route,
		"value_usd", fmt.Sprintf("%.2f", ev.ValueUSD),
	}
	if ev.Trade != nil {
		attrs = append(attrs,
			"wallet", truncate(ev.Trade.Wallet, 10),
			"side", ev.Trade.Side,
			"price", ev.Trade.Price,
			"market", truncate(ev.Trade.Title, 60),
			"url", ev.MarketURL,
		)
	}
	if ev.Stats != nil {
		attrs = append(attrs, "pnl", fmt.Sprintf("%.0f", ev.Stats.PnL), "rank", ev.Stats.Rank)
	}
	if ev.Move != nil {
		attrs = append(attrs, "market", truncate(ev.Move.Question, 60), "change_pct", fmt.Sprintf("%.1f", ev.Move.ChangePct))
	}
	slog.Info("alert", attrs...)
	return nil
}
