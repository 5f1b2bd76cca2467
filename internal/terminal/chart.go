// Package terminal composes the trading terminal's views on top of the core:
// a chart bound to one symbol and account, the account panel, and the
// system manager that keeps the account and symbol lists current.
package terminal

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"tradeterm/internal/broker"
	"tradeterm/internal/domain"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
	"tradeterm/internal/lifecycle"
	"tradeterm/internal/overlay"
)

// Compile-time interface checks.
var (
	_ lifecycle.Sink = (*ChartView)(nil)
	_ overlay.Canvas = (*ChartView)(nil)
)

// ChartOptions configures a ChartView.
type ChartOptions struct {
	Feed       feed.Feed
	Broker     broker.Broker
	Hub        *hub.Hub
	Resolution domain.Resolution
	Series     domain.SeriesKind
	Logger     *slog.Logger
}

// ChartView is one chart: the bars and quote of its symbol, streamed by a
// lifecycle manager, and the order lines of its account, kept by an overlay
// reconciler fed from OrderUpdate events.
type ChartView struct {
	broker broker.Broker
	hub    *hub.Hub
	id     hub.SubscriberID
	mgr    *lifecycle.Manager
	rec    *overlay.Reconciler
	logger *slog.Logger

	// bindMu serializes account binding; it is never taken by event
	// handlers or canvas calls.
	bindMu sync.Mutex

	mu         sync.Mutex
	symbol     string
	account    string
	resolution domain.Resolution
	series     domain.SeriesKind
	bars       []domain.Bar
	quote      domain.Quote
	haveQuote  bool
	lines      map[string]overlay.Line
}

// NewChartView creates an empty chart. Select an account and a symbol to
// start streaming.
func NewChartView(opts ChartOptions) *ChartView {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolution == (domain.Resolution{}) {
		opts.Resolution = domain.DefaultResolution
	}
	if opts.Series == "" {
		opts.Series = domain.SeriesCandles
	}
	c := &ChartView{
		broker:     opts.Broker,
		hub:        opts.Hub,
		id:         hub.NewSubscriberID(),
		logger:     opts.Logger.With("component", "chart"),
		resolution: opts.Resolution,
		series:     opts.Series,
		lines:      make(map[string]overlay.Line),
	}
	c.mgr = lifecycle.NewManager(opts.Feed, c, opts.Logger)
	c.rec = overlay.NewReconciler(c, opts.Logger)
	return c
}

func (c *ChartView) scopeLocked() lifecycle.Scope {
	return lifecycle.Scope{
		Symbol:     c.symbol,
		AccountID:  c.account,
		Resolution: c.resolution,
		Series:     c.series,
	}
}

// SetSymbol switches the chart to symbol.
func (c *ChartView) SetSymbol(ctx context.Context, symbol string) error {
	c.mu.Lock()
	c.symbol = strings.ToUpper(strings.TrimSpace(symbol))
	scope := c.scopeLocked()
	c.mu.Unlock()
	return c.mgr.SetScope(ctx, scope)
}

// SetResolution switches the bar resolution; it is a scope change.
func (c *ChartView) SetResolution(ctx context.Context, res domain.Resolution) error {
	c.mu.Lock()
	c.resolution = res
	scope := c.scopeLocked()
	c.mu.Unlock()
	if scope.Symbol == "" {
		return nil
	}
	return c.mgr.SetScope(ctx, scope)
}

// SetSeries switches between candles and line; it is a scope change.
func (c *ChartView) SetSeries(ctx context.Context, kind domain.SeriesKind) error {
	c.mu.Lock()
	c.series = kind
	scope := c.scopeLocked()
	c.mu.Unlock()
	if scope.Symbol == "" {
		return nil
	}
	return c.mgr.SetScope(ctx, scope)
}

// SetAccount binds the order lines to accountID. The old lines are cleared
// and the OrderUpdate registration is renewed before the order snapshot is
// requested, so no update published in between is lost. Updates and a
// snapshot that arrive after another account change are discarded: the
// reconciler checks the epoch of the binding they belong to under its own
// lock, so nothing is drawn after the clear that ended that binding.
func (c *ChartView) SetAccount(ctx context.Context, accountID string) error {
	c.bindMu.Lock()
	c.mu.Lock()
	c.account = accountID
	scope := c.scopeLocked()
	c.mu.Unlock()

	c.hub.Release(c.id, hub.OrderUpdate)
	epoch := c.rec.Clear()
	hub.On(c.hub, c.id, hub.OrderUpdate, func(o domain.Order) {
		if o.AccountID != "" && o.AccountID != accountID {
			return
		}
		c.rec.ApplyIn(epoch, o)
	})
	c.bindMu.Unlock()

	orders, err := c.broker.GetOrders(ctx, accountID)
	switch {
	case err != nil:
		c.logger.Warn("order snapshot failed", "account", accountID, "error", err)
	case !c.rec.ApplySnapshotIn(epoch, orders):
		c.logger.Debug("discarding order snapshot for superseded account", "account", accountID)
	}

	if scope.Symbol == "" {
		return nil
	}
	return c.mgr.SetScope(ctx, scope)
}

// Close releases the chart's hub registrations, clears its lines and tears
// its streams down.
func (c *ChartView) Close(ctx context.Context) error {
	c.bindMu.Lock()
	c.hub.ReleaseAll(c.id)
	c.rec.Clear()
	c.bindMu.Unlock()
	return c.mgr.Close(ctx)
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// Scope returns the scope the chart is streaming.
func (c *ChartView) Scope() lifecycle.Scope {
	return c.mgr.Scope()
}

// State returns the lifecycle state of the chart's streams.
func (c *ChartView) State() lifecycle.State {
	return c.mgr.State()
}

// Bars returns a copy of the bars, oldest first.
func (c *ChartView) Bars() []domain.Bar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Bar(nil), c.bars...)
}

// LastQuote returns the last quote, if any arrived for the current scope.
func (c *ChartView) LastQuote() (domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quote, c.haveQuote
}

// Lines returns the drawn order lines sorted by order id.
func (c *ChartView) Lines() []overlay.Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]overlay.Line, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// ---------------------------------------------------------------------------
// lifecycle.Sink
// ---------------------------------------------------------------------------

// Reset drops the data of the previous scope.
func (c *ChartView) Reset(lifecycle.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = nil
	c.quote = domain.Quote{}
	c.haveQuote = false
}

// Snapshot replaces the bars with the scope's history.
func (c *ChartView) Snapshot(_ lifecycle.Scope, bars []domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = append(c.bars[:0], bars...)
}

// Bar upserts a live bar by timestamp.
func (c *ChartView) Bar(_ lifecycle.Scope, b domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = upsertBar(c.bars, b)
}

// Quote records the latest quote.
func (c *ChartView) Quote(_ lifecycle.Scope, q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quote = q
	c.haveQuote = true
}

func upsertBar(bars []domain.Bar, b domain.Bar) []domain.Bar {
	n := len(bars)
	if n == 0 || b.Timestamp.After(bars[n-1].Timestamp) {
		return append(bars, b)
	}
	i := sort.Search(n, func(i int) bool { return !bars[i].Timestamp.Before(b.Timestamp) })
	if i < n && bars[i].Timestamp.Equal(b.Timestamp) {
		bars[i] = b
		return bars
	}
	bars = append(bars, domain.Bar{})
	copy(bars[i+1:], bars[i:])
	bars[i] = b
	return bars
}

// ---------------------------------------------------------------------------
// overlay.Canvas
// ---------------------------------------------------------------------------

// CreateLine draws a new order line.
func (c *ChartView) CreateLine(l overlay.Line) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[l.OrderID] = l
	return nil
}

// UpdateLine moves or relabels an order line.
func (c *ChartView) UpdateLine(l overlay.Line) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[l.OrderID] = l
	return nil
}

// RemoveLine erases an order line.
func (c *ChartView) RemoveLine(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lines, orderID)
	return nil
}
