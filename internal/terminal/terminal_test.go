package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/require"

	"tradeterm/internal/broker"
	"tradeterm/internal/config"
	"tradeterm/internal/domain"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
	"tradeterm/internal/lifecycle"
)

var fixedNow = time.Date(2024, 6, 3, 15, 30, 20, 0, time.UTC)

type rig struct {
	hub    *hub.Hub
	feed   *feed.Simulator
	broker *broker.SimulatorBroker
}

func newRig(t *testing.T) rig {
	t.Helper()
	h := hub.New(nil)
	return rig{
		hub: h,
		feed: feed.NewSimulator(feed.SimulatorOptions{
			Symbols: []string{"AAPL", "MSFT"},
			Seed:    1,
			Now:     func() time.Time { return fixedNow },
		}),
		broker: broker.NewSimulatorBroker(broker.SimulatorOptions{
			Accounts: []domain.Account{
				{ID: "sim-1", Name: "One", Balance: 10000, Currency: "USD"},
				{ID: "sim-2", Name: "Two", Balance: 5000, Currency: "USD"},
			},
			Publisher: h,
			Now:       func() time.Time { return fixedNow },
		}),
	}
}

func limitBuy(price float64) domain.Order {
	return domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeLimit, LimitPrice: domain.Price(price)}
}

func orderIDs(t *testing.T, b broker.Broker, account string) []string {
	t.Helper()
	orders, err := b.GetOrders(context.Background(), account)
	require.NoError(t, err)
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return ids
}

func TestChartViewFollowsOrdersAndStreams(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.broker.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-1", limitBuy(90)))

	c := NewChartView(ChartOptions{Feed: r.feed, Broker: r.broker, Hub: r.hub})
	require.NoError(t, c.SetAccount(ctx, "sim-1"))
	lines := c.Lines()
	require.Len(t, lines, 1, "snapshot draws the pending order")
	require.Equal(t, 90.0, lines[0].Price)

	require.NoError(t, c.SetSymbol(ctx, "aapl"))
	require.Equal(t, lifecycle.Streaming, c.State())
	require.Equal(t, "AAPL", c.Scope().Symbol)
	require.Equal(t, "sim-1", c.Scope().AccountID)
	require.Len(t, c.Bars(), 1440)

	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-1", limitBuy(95)))
	require.Len(t, c.Lines(), 2, "OrderUpdate adds a line")

	ids := orderIDs(t, r.broker, "sim-1")
	require.NoError(t, r.broker.CancelOrder(ctx, "sim-1", ids[0]))
	lines = c.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, ids[1], lines[0].OrderID)

	r.feed.Tick()
	q, ok := c.LastQuote()
	require.True(t, ok)
	require.Equal(t, "AAPL", q.Symbol)
	bars := c.Bars()
	require.Len(t, bars, 1440, "live bar replaces the bar with the same timestamp")
	require.Equal(t, q.Close, bars[len(bars)-1].Close)

	// Another account: lines cleared, sim-1 updates ignored.
	require.NoError(t, c.SetAccount(ctx, "sim-2"))
	require.Empty(t, c.Lines())
	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-1", limitBuy(80)))
	require.Empty(t, c.Lines())
	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-2", limitBuy(80)))
	require.Len(t, c.Lines(), 1)

	require.NoError(t, c.Close(ctx))
	require.Equal(t, 0, r.hub.Count(hub.OrderUpdate))
	require.Equal(t, lifecycle.Idle, c.State())
	require.Empty(t, r.feed.Subscribed())
	require.Empty(t, c.Lines())
}

// gatedBroker blocks GetOrders and GetPositions for one account until the
// gate is opened.
type gatedBroker struct {
	broker.Broker
	account string
	entered chan struct{}
	gate    chan struct{}
	failAll bool
	calls   int
	mu      sync.Mutex
}

func (g *gatedBroker) wait(account string) {
	if account == g.account {
		g.entered <- struct{}{}
		<-g.gate
	}
}

func (g *gatedBroker) GetOrders(ctx context.Context, account string) ([]domain.Order, error) {
	g.wait(account)
	return []domain.Order{{ID: account + "-order", AccountID: account, Status: domain.OrderStatusActive, LimitPrice: domain.Price(1)}}, nil
}

func (g *gatedBroker) GetPositions(ctx context.Context, account string) ([]domain.Position, error) {
	g.wait(account)
	return []domain.Position{{ID: account + "-pos", AccountID: account, Quantity: 1}}, nil
}

func (g *gatedBroker) GetAccounts(context.Context) ([]domain.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failAll {
		return nil, errors.New("down")
	}
	return []domain.Account{{ID: "a"}, {ID: "b"}}, nil
}

func (g *gatedBroker) GetCurrentAccount(context.Context) (domain.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return domain.Account{}, errors.New("down")
	}
	return domain.Account{ID: "a"}, nil
}

func newGatedBroker(account string) *gatedBroker {
	return &gatedBroker{account: account, entered: make(chan struct{}), gate: make(chan struct{})}
}

func TestChartViewDiscardsStaleOrderSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	gb := newGatedBroker("a")
	c := NewChartView(ChartOptions{Feed: r.feed, Broker: gb, Hub: hub.New(nil)})

	done := make(chan error)
	go func() { done <- c.SetAccount(ctx, "a") }()
	<-gb.entered

	require.NoError(t, c.SetAccount(ctx, "b"))
	close(gb.gate)
	require.NoError(t, <-done)

	lines := c.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, "b-order", lines[0].OrderID)
}

func TestChartViewDropsLinesOfPreviousAccount(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	c := NewChartView(ChartOptions{Feed: r.feed, Broker: r.broker, Hub: r.hub})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r.hub.Publish(hub.OrderUpdate, domain.Order{
				ID:         fmt.Sprintf("one-%d", i),
				AccountID:  "sim-1",
				Symbol:     "AAPL",
				Side:       domain.SideBuy,
				Quantity:   1,
				Type:       domain.OrderTypeLimit,
				LimitPrice: domain.Price(90),
				Status:     domain.OrderStatusActive,
			})
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 300; i++ {
		require.NoError(t, c.SetAccount(ctx, "sim-1"))
		require.NoError(t, c.SetAccount(ctx, "sim-2"))
		for _, l := range c.Lines() {
			require.False(t, strings.HasPrefix(l.OrderID, "one-"),
				"line %s of sim-1 drawn while bound to sim-2", l.OrderID)
		}
	}
}

func TestUpsertBar(t *testing.T) {
	t0 := fixedNow.Truncate(time.Minute)
	bar := func(m int, c float64) domain.Bar {
		return domain.Bar{Timestamp: t0.Add(time.Duration(m) * time.Minute), Close: c}
	}
	bars := []domain.Bar{bar(0, 1), bar(2, 3)}

	bars = upsertBar(bars, bar(3, 4))
	bars = upsertBar(bars, bar(2, 3.5))
	bars = upsertBar(bars, bar(1, 2))

	require.Len(t, bars, 4)
	for i, want := range []float64{1, 2, 3.5, 4} {
		require.Equal(t, want, bars[i].Close, "bar %d", i)
	}
}

func TestAccountPanelAppliesEvents(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	p := NewAccountPanel(AccountPanelOptions{Broker: r.broker, Hub: r.hub, MaxNotifications: 3, Now: func() time.Time { return fixedNow }})
	t.Cleanup(p.Close)

	acct, err := r.broker.GetCurrentAccount(ctx)
	require.NoError(t, err)
	p.SetAccount(ctx, acct)
	require.Equal(t, TabPositions, p.Tab())
	require.Empty(t, p.Positions())

	r.broker.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket}))

	positions := p.Positions()
	require.Len(t, positions, 1)
	require.Equal(t, -1.0, positions[0].Profit, "ProfitLossUpdate patches the position")
	orders := p.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, domain.OrderStatusFilled, orders[0].Status)
	require.Equal(t, 9999.0, p.Account().Equity)

	r.broker.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 101, Ask: 101.1})
	require.Equal(t, 9.0, p.Positions()[0].Profit)

	require.NoError(t, r.broker.CancelOrder(ctx, "sim-1", orders[0].ID))
	require.Empty(t, p.Positions())
	require.Equal(t, 10009.0, p.Account().Balance)
	require.Equal(t, domain.OrderStatusClosed, p.Orders()[0].Status)

	notes := p.Notifications()
	require.Len(t, notes, 3, "notifications are bounded")
	require.Equal(t, hub.AccountUpdate, notes[2].Kind)
	require.Equal(t, fixedNow, notes[2].Time)

	// Events of other accounts are ignored.
	require.NoError(t, r.broker.PlaceOrder(ctx, "sim-2", limitBuy(50)))
	require.Len(t, p.Orders(), 1)

	p.SelectTab(ctx, TabOrders)
	require.Equal(t, TabOrders, p.Tab())
	require.Len(t, p.Orders(), 1)
}

func TestAccountPanelDropsStaleTabResult(t *testing.T) {
	ctx := context.Background()
	gb := newGatedBroker("a")
	p := NewAccountPanel(AccountPanelOptions{Broker: gb, Hub: hub.New(nil)})

	done := make(chan struct{})
	go func() {
		p.SetAccount(ctx, domain.Account{ID: "a"})
		close(done)
	}()
	<-gb.entered

	// The positions fetch is in flight; switch tabs before it returns.
	p.SelectTab(ctx, TabSummary)
	close(gb.gate)
	<-done

	require.Empty(t, p.Positions())
	require.Equal(t, TabSummary, p.Tab())
}

func TestSystemManagerRefreshesOnAccountUpdate(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	var seen []string
	s := NewSystemManager(r.feed, r.broker, r.hub, func(a domain.Account) { seen = append(seen, a.ID) }, nil)
	s.Start(ctx)
	t.Cleanup(s.Stop)

	require.Len(t, s.Symbols(), 2)
	require.Len(t, s.Accounts(), 2)
	require.Equal(t, "sim-1", s.CurrentAccount().ID)

	require.NoError(t, r.broker.SetCurrentAccount(ctx, "sim-2"))
	require.Equal(t, "sim-2", s.CurrentAccount().ID)
	require.Equal(t, []string{"sim-1", "sim-2"}, seen)
}

func TestSystemManagerDegradesToEmpty(t *testing.T) {
	r := newRig(t)
	gb := newGatedBroker("")
	gb.failAll = true
	s := NewSystemManager(r.feed, gb, r.hub, nil, nil)
	s.Start(context.Background())

	require.Empty(t, s.Accounts())
	require.Equal(t, domain.Account{}, s.CurrentAccount())
	require.Len(t, s.Symbols(), 2)
}

// fakeWatchlists is an in-memory WatchlistClient.
type fakeWatchlists struct {
	lists   []alpaca.Watchlist
	assets  map[string][]alpaca.Asset
	created []string
	failAdd bool
}

func (f *fakeWatchlists) GetWatchlists() ([]alpaca.Watchlist, error) { return f.lists, nil }

func (f *fakeWatchlists) GetWatchlist(id string) (*alpaca.Watchlist, error) {
	for _, l := range f.lists {
		if l.ID == id {
			l.Assets = f.assets[id]
			return &l, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeWatchlists) CreateWatchlist(req alpaca.CreateWatchlistRequest) (*alpaca.Watchlist, error) {
	f.created = append(f.created, req.Name)
	return &alpaca.Watchlist{ID: "new", Name: req.Name}, nil
}

func (f *fakeWatchlists) AddSymbolToWatchlist(id string, req alpaca.AddSymbolToWatchlistRequest) (*alpaca.Watchlist, error) {
	if f.failAdd {
		return nil, errors.New("rejected")
	}
	return &alpaca.Watchlist{ID: id}, nil
}

func (f *fakeWatchlists) RemoveSymbolFromWatchlist(string, alpaca.RemoveSymbolFromWatchlistRequest) error {
	return nil
}

func TestWatchlistToggle(t *testing.T) {
	fw := &fakeWatchlists{
		lists:  []alpaca.Watchlist{{ID: "w1", Name: "tradeterm"}},
		assets: map[string][]alpaca.Asset{"w1": {{Symbol: "AAPL"}}},
	}
	w := NewWatchlist(fw, "tradeterm", nil)
	require.NoError(t, w.Load())
	require.Equal(t, []string{"AAPL"}, w.Symbols())

	added, commit := w.Toggle("msft")
	require.True(t, added)
	require.True(t, w.Contains("MSFT"), "applied before the remote call")
	require.NoError(t, commit())
	require.True(t, w.Contains("MSFT"))

	added, commit = w.Toggle("AAPL")
	require.False(t, added)
	require.NoError(t, commit())
	require.False(t, w.Contains("AAPL"))

	fw.failAdd = true
	added, commit = w.Toggle("NVDA")
	require.True(t, added)
	require.True(t, w.Contains("NVDA"))
	require.Error(t, commit())
	require.False(t, w.Contains("NVDA"), "reverted after the failure")
}

func TestWatchlistCreatedWhenMissing(t *testing.T) {
	fw := &fakeWatchlists{}
	w := NewWatchlist(fw, "tradeterm", nil)
	require.NoError(t, w.Load())
	require.Equal(t, []string{"tradeterm"}, fw.created)
	require.Empty(t, w.Symbols())
}

func TestTerminalFollowsCurrentAccount(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	term := New(Options{
		Feed:   r.feed,
		Broker: r.broker,
		Hub:    r.hub,
		Config: config.Terminal{DefaultSymbol: "AAPL", DefaultResolution: "5D/5m"},
		Now:    func() time.Time { return fixedNow },
	})
	require.NoError(t, term.Start(ctx))
	t.Cleanup(func() { term.Close(ctx) })

	require.Equal(t, "sim-1", term.AccountID())
	require.Equal(t, "sim-1", term.Account.Account().ID)
	require.Equal(t, lifecycle.Streaming, term.Chart.State())
	require.Equal(t, domain.Resolution{Range: "5D", Interval: "5m"}, term.Chart.Scope().Resolution)

	r.broker.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.NoError(t, term.Submit(ctx, broker.Ticket{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2}))
	require.Len(t, term.Account.Positions(), 1)
	require.Len(t, term.Chart.Lines(), 1)

	require.NoError(t, term.Submit(ctx, broker.Ticket{Symbol: "AAPL", Side: domain.SideSell, Quantity: 1, Pending: true, Price: domain.Price(120)}))
	require.Len(t, term.Chart.Lines(), 2)

	require.NoError(t, term.SelectAccount(ctx, "sim-2"))
	require.Equal(t, "sim-2", term.AccountID())
	require.Equal(t, "sim-2", term.Chart.Scope().AccountID)
	require.Empty(t, term.Chart.Lines())
	require.Empty(t, term.Account.Positions())

	d1 := term.OpenDialog("ticket", 100, 50, 780, 20, 600, 0)
	require.Equal(t, Dialog{ID: "ticket", X: 680, Y: 20, Z: 1}, d1)
	d2 := term.OpenDialog("confirm", 100, 50, 50, 580, 600, 0)
	require.Equal(t, Dialog{ID: "confirm", X: 50, Y: 530, Z: 2}, d2)
	term.CloseDialog("confirm")
	require.Equal(t, "ticket", term.Dialogs.Top())
}
