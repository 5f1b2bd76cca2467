// Package lifecycle binds live market-data streams to the chart's current
// scope. A scope change tears the old bar and quote streams down before the
// new snapshot is requested, and any result that completes for a superseded
// scope is discarded instead of being applied to the view.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/feed"
)

// State is the manager's position in Idle -> FetchingSnapshot -> Streaming
// -> TearingDown -> Idle.
type State int

const (
	Idle State = iota
	FetchingSnapshot
	Streaming
	TearingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingSnapshot:
		return "fetching_snapshot"
	case Streaming:
		return "streaming"
	case TearingDown:
		return "tearing_down"
	}
	return "unknown"
}

// Scope is the (symbol, account) pair driving a chart, plus how its bars
// are requested.
type Scope struct {
	Symbol     string
	AccountID  string
	Resolution domain.Resolution
	Series     domain.SeriesKind
}

func (s Scope) request() feed.BarRequest {
	return feed.BarRequest{Symbol: s.Symbol, Resolution: s.Resolution, Series: s.Series}
}

// Sink receives the data of the current scope. Calls are serialized and
// never carry data of a superseded scope. A Sink must not call back into
// the Manager.
type Sink interface {
	Reset(scope Scope)
	Snapshot(scope Scope, bars []domain.Bar)
	Bar(scope Scope, bar domain.Bar)
	Quote(scope Scope, q domain.Quote)
}

type streamKind int

const (
	barStream streamKind = iota
	quoteStream
)

func (k streamKind) String() string {
	if k == barStream {
		return "bars"
	}
	return "quotes"
}

// Manager owns at most one bar stream and one quote stream, both belonging
// to the current scope.
type Manager struct {
	feed   feed.Feed
	sink   Sink
	logger *slog.Logger

	// mu guards the fields below and serializes delivery into sink.
	mu     sync.Mutex
	gen    uint64
	state  State
	scope  Scope
	bars   *Disposer
	quotes *Disposer
	closed bool

	scopeCounter     metric.Int64Counter
	staleCounter     metric.Int64Counter
	snapshotDuration metric.Float64Histogram
}

// NewManager creates an idle Manager. A nil logger uses slog.Default().
func NewManager(f feed.Feed, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = nopSink{}
	}
	m := &Manager{
		feed:   f,
		sink:   sink,
		logger: logger.With("component", "lifecycle", "feed", f.Name()),
	}
	meter := otel.Meter("tradeterm/lifecycle")
	m.scopeCounter, _ = meter.Int64Counter("lifecycle.scope.changes",
		metric.WithDescription("Number of chart scope changes"),
		metric.WithUnit("{change}"))
	m.staleCounter, _ = meter.Int64Counter("lifecycle.stale.discarded",
		metric.WithDescription("Number of results discarded because their scope was superseded"),
		metric.WithUnit("{result}"))
	m.snapshotDuration, _ = meter.Float64Histogram("lifecycle.snapshot.duration",
		metric.WithDescription("Time to fetch a bar snapshot"),
		metric.WithUnit("ms"))
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Scope returns the current scope.
func (m *Manager) Scope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// SetScope switches the chart to scope. It closes the streams of the
// previous scope, fetches the bar snapshot, then opens the bar and quote
// streams. It returns once the new scope is streaming or once a later
// SetScope or Close has superseded it. Snapshot and stream-open failures
// are logged and degrade to "no data"; they are not returned.
//
// An empty Symbol only tears down.
func (m *Manager) SetScope(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New("lifecycle.set_scope", errs.CodeClosed,
			errs.WithMessage("manager is closed"), errs.WithField("symbol", scope.Symbol))
	}
	m.gen++
	gen := m.gen
	prev := m.scope
	bars, quotes := m.bars, m.quotes
	m.bars, m.quotes = nil, nil
	m.scope = scope
	m.state = TearingDown
	m.sink.Reset(scope)
	m.mu.Unlock()

	m.scopeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("feed", m.feed.Name())))
	m.logger.Debug("scope change", "from", prev.Symbol, "to", scope.Symbol, "account", scope.AccountID)

	// Teardown runs even when ctx is already cancelled.
	m.teardown(context.WithoutCancel(ctx), prev, bars, quotes)

	if scope.Symbol == "" {
		m.advance(gen, Idle)
		return nil
	}
	if !m.advance(gen, FetchingSnapshot) {
		return nil
	}

	req := scope.request()
	start := time.Now()
	history, err := m.feed.GetBars(ctx, req)
	m.snapshotDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("feed", m.feed.Name()), attribute.Bool("ok", err == nil)))
	if err != nil {
		m.logger.Warn("bar snapshot failed", "symbol", scope.Symbol, "resolution", scope.Resolution.String(), "error", err)
		history = nil
	}
	if !m.deliver(gen, func() { m.sink.Snapshot(scope, history) }) {
		return nil
	}

	bh, err := m.feed.SubscribeBars(ctx, req, func(b domain.Bar) {
		m.deliver(gen, func() { m.sink.Bar(scope, b) })
	})
	if err != nil {
		m.logger.Warn("opening bar stream failed", "symbol", scope.Symbol, "error", err)
	} else if !m.adopt(ctx, gen, barStream, m.streamDisposer(barStream, bh)) {
		return nil
	}

	qh, err := m.feed.SubscribeQuote(ctx, scope.Symbol, func(q domain.Quote) {
		m.deliver(gen, func() { m.sink.Quote(scope, q) })
	})
	if err != nil {
		m.logger.Warn("opening quote stream failed", "symbol", scope.Symbol, "error", err)
	} else if !m.adopt(ctx, gen, quoteStream, m.streamDisposer(quoteStream, qh)) {
		return nil
	}

	m.advance(gen, Streaming)
	return nil
}

// Close tears the current scope down and disposes the manager. Later
// SetScope calls fail with errs.CodeClosed. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	prev := m.scope
	bars, quotes := m.bars, m.quotes
	m.bars, m.quotes = nil, nil
	m.scope = Scope{}
	m.state = TearingDown
	m.sink.Reset(Scope{})
	m.mu.Unlock()

	m.teardown(context.WithoutCancel(ctx), prev, bars, quotes)

	m.mu.Lock()
	m.state = Idle
	m.mu.Unlock()
	return nil
}

func (m *Manager) streamDisposer(kind streamKind, h feed.Handle) *Disposer {
	return NewDisposer(func(ctx context.Context) error {
		if kind == barStream {
			return m.feed.UnsubscribeBars(ctx, h)
		}
		return m.feed.UnsubscribeQuote(ctx, h)
	})
}

// teardown closes both streams best-effort, bars first.
func (m *Manager) teardown(ctx context.Context, scope Scope, bars, quotes *Disposer) {
	streams := [2]struct {
		kind streamKind
		d    *Disposer
	}{{barStream, bars}, {quoteStream, quotes}}
	for _, s := range streams {
		if s.d == nil {
			continue
		}
		if err := s.d.Close(ctx); err != nil {
			m.logger.Warn("closing stream failed", "stream", s.kind.String(), "symbol", scope.Symbol, "error", err)
		}
	}
}

// advance sets the state if gen is still current.
func (m *Manager) advance(gen uint64, st State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.state = st
	return true
}

// deliver runs fn under the lock if gen is still current.
func (m *Manager) deliver(gen uint64, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		m.staleCounter.Add(context.Background(), 1)
		return false
	}
	fn()
	return true
}

// adopt stores d as the current stream of its kind, or closes it right away
// when gen has been superseded while the stream was opening.
func (m *Manager) adopt(ctx context.Context, gen uint64, kind streamKind, d *Disposer) bool {
	m.mu.Lock()
	if gen == m.gen {
		if kind == barStream {
			m.bars = d
		} else {
			m.quotes = d
		}
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	m.staleCounter.Add(ctx, 1)
	m.logger.Debug("discarding stream opened for superseded scope", "stream", kind.String())
	if err := d.Close(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("closing stale stream failed", "stream", kind.String(), "error", err)
	}
	return false
}

type nopSink struct{}

func (nopSink) Reset(Scope)                 {}
func (nopSink) Snapshot(Scope, []domain.Bar) {}
func (nopSink) Bar(Scope, domain.Bar)        {}
func (nopSink) Quote(Scope, domain.Quote)    {}
