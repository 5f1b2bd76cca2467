package broker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/hub"
	"tradeterm/internal/store"
)

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Publish(kind hub.Kind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind, payload})
}

func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func kinds(events []event) []hub.Kind {
	out := make([]hub.Kind, len(events))
	for i, e := range events {
		out[i] = e.kind
	}
	return out
}

var testNow = time.Date(2024, 6, 3, 15, 30, 0, 0, time.UTC)

func newTestBroker(t *testing.T, opts SimulatorOptions) (*SimulatorBroker, *recorder) {
	t.Helper()
	rec := &recorder{}
	if opts.Accounts == nil {
		opts.Accounts = []domain.Account{{ID: "sim-1", Name: "Simulated", Balance: 10000, Currency: "USD"}}
	}
	opts.Publisher = rec
	opts.Now = func() time.Time { return testNow }
	return NewSimulatorBroker(opts), rec
}

func TestClassify(t *testing.T) {
	tests := []struct {
		side  domain.Side
		price float64
		want  domain.OrderType
	}{
		{domain.SideBuy, 101, domain.OrderTypeStop},
		{domain.SideSell, 101, domain.OrderTypeLimit},
		{domain.SideBuy, 99, domain.OrderTypeLimit},
		{domain.SideSell, 99, domain.OrderTypeStop},
		{domain.SideBuy, 100, domain.OrderTypeLimit},
	}
	for _, tt := range tests {
		if got := Classify(tt.side, tt.price, 100); got != tt.want {
			t.Errorf("Classify(%s, %v, 100) = %q, want %q", tt.side, tt.price, got, tt.want)
		}
	}
}

func TestTicketValidate(t *testing.T) {
	quote := domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1}
	tests := []struct {
		name   string
		ticket Ticket
		ok     bool
	}{
		{"market", Ticket{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Quote: quote}, true},
		{"missing symbol", Ticket{Side: domain.SideBuy, Quantity: 1}, false},
		{"bad side", Ticket{Symbol: "AAPL", Side: "hold", Quantity: 1}, false},
		{"zero quantity", Ticket{Symbol: "AAPL", Side: domain.SideSell}, false},
		{"pending without price", Ticket{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Pending: true}, false},
		{"pending", Ticket{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Pending: true, Price: domain.Price(99)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ticket.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, errs.IsCode(err, errs.CodeInvalid), "err = %v", err)
		})
	}
}

func TestTicketOrder(t *testing.T) {
	quote := domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1}

	o, err := Ticket{Symbol: "aapl", Side: domain.SideBuy, Quantity: 2, Quote: quote}.Order(testNow)
	require.NoError(t, err)
	require.Equal(t, domain.OrderTypeMarket, o.Type)
	require.Equal(t, "AAPL", o.Symbol)
	require.Equal(t, quote, o.CurrentQuote)
	require.Nil(t, o.StopLoss)

	o, err = Ticket{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2, Quote: quote,
		Pending: true, Price: domain.Price(105), StopLoss: domain.Price(95), TakeProfit: domain.Price(120),
	}.Order(testNow)
	require.NoError(t, err)
	require.Equal(t, domain.OrderTypeStop, o.Type)
	require.Equal(t, 105.0, *o.StopPrice)
	require.Nil(t, o.LimitPrice)
	require.Equal(t, 95.0, *o.StopLoss)
	require.Equal(t, 120.0, *o.TakeProfit)

	o, err = Ticket{Symbol: "AAPL", Side: domain.SideSell, Quantity: 1, Quote: quote, Pending: true, Price: domain.Price(105)}.Order(testNow)
	require.NoError(t, err)
	require.Equal(t, domain.OrderTypeLimit, o.Type)
	require.Equal(t, 105.0, *o.LimitPrice)
}

func TestRiskManager(t *testing.T) {
	rm := NewRiskManager(0.10, 0.02)
	acct := domain.Account{Equity: 10000}
	order := domain.Order{Quantity: 5}

	require.NoError(t, rm.CheckOrder(order, 100, acct, 10000))

	err := rm.CheckOrder(domain.Order{Quantity: 20}, 100, acct, 10000)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	err = rm.CheckOrder(order, 100, domain.Account{Equity: 9700}, 10000)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	var none *RiskManager
	require.NoError(t, none.CheckOrder(domain.Order{Quantity: 1e9}, 100, acct, 10000))
}

func TestSimulatorMarketOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	b, rec := newTestBroker(t, SimulatorOptions{})

	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.Empty(t, rec.take(), "no orders, nothing to report")

	require.NoError(t, b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "aapl", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket}))
	require.Equal(t, []hub.Kind{hub.OrderUpdate, hub.OrderUpdate, hub.PositionUpdate, hub.ProfitLossUpdate, hub.EquityUpdate},
		kinds(rec.take()))

	orders, err := b.GetOrders(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, domain.OrderStatusFilled, orders[0].Status)
	require.Equal(t, 100.1, *orders[0].ExecutedPrice)

	positions, err := b.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, orders[0].ID, positions[0].OrderID)
	require.Equal(t, -1.0, positions[0].Profit)

	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 105, Ask: 105.1})
	events := rec.take()
	require.Equal(t, []hub.Kind{hub.ProfitLossUpdate, hub.EquityUpdate}, kinds(events))
	require.Equal(t, domain.ProfitLoss{PositionID: positions[0].ID, PL: 49}, events[0].payload)
	require.Equal(t, domain.EquityUpdate{AccountID: "sim-1", Equity: 10049}, events[1].payload)

	// Cancelling a filled order closes its position at the marked profit.
	require.NoError(t, b.CancelOrder(ctx, "sim-1", orders[0].ID))
	events = rec.take()
	require.Equal(t, []hub.Kind{hub.PositionUpdate, hub.OrderUpdate, hub.AccountUpdate}, kinds(events))
	require.True(t, events[0].payload.(domain.Position).Closed())
	require.Equal(t, 10049.0, events[2].payload.(domain.Account).Balance)

	positions, err = b.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Empty(t, positions)
	orders, err = b.GetOrders(ctx, "sim-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusClosed, orders[0].Status)
	require.Equal(t, testNow, orders[0].CloseTime)

	// Closed orders are left alone.
	require.NoError(t, b.CancelOrder(ctx, "sim-1", orders[0].ID))
	require.Empty(t, rec.take())
}

func TestSimulatorPendingOrderFillsAndStopsOut(t *testing.T) {
	ctx := context.Background()
	b, rec := newTestBroker(t, SimulatorOptions{})
	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})

	require.NoError(t, b.PlaceOrder(ctx, "sim-1", domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 5, Type: domain.OrderTypeLimit,
		LimitPrice: domain.Price(99), StopLoss: domain.Price(95), TakeProfit: domain.Price(110),
	}))
	require.Equal(t, []hub.Kind{hub.OrderUpdate}, kinds(rec.take()))

	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 98.9, Ask: 99})
	require.Contains(t, kinds(rec.take()), hub.PositionUpdate)

	positions, err := b.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 99.0, positions[0].Price)
	require.Equal(t, 95.0, *positions[0].StopLoss)

	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 94.5, Ask: 94.6})
	require.Contains(t, kinds(rec.take()), hub.AccountUpdate)

	positions, err = b.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Empty(t, positions)
	acct, err := b.GetCurrentAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, 9977.5, acct.Balance)
	require.Equal(t, 9977.5, acct.Equity)
}

func TestSimulatorCancelActiveOrder(t *testing.T) {
	ctx := context.Background()
	b, rec := newTestBroker(t, SimulatorOptions{})

	// No quote yet, so even a market order waits.
	require.NoError(t, b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "MSFT", Side: domain.SideSell, Quantity: 1, Type: domain.OrderTypeMarket}))
	orders, err := b.GetOrders(ctx, "sim-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusActive, orders[0].Status)
	rec.take()

	require.NoError(t, b.CancelOrder(ctx, "sim-1", orders[0].ID))
	events := rec.take()
	require.Len(t, events, 1)
	require.Equal(t, domain.OrderStatusClosed, events[0].payload.(domain.Order).Status)

	// A later quote no longer fills it.
	b.MarkQuote(domain.Quote{Symbol: "MSFT", Bid: 400, Ask: 400.2})
	positions, err := b.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Empty(t, positions)
}

func TestSimulatorErrors(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, SimulatorOptions{Risk: NewRiskManager(0.10, 0)})
	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})

	err := b.CancelOrder(ctx, "sim-1", "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = b.GetOrders(ctx, "nope")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	err = b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 20, Type: domain.OrderTypeMarket})
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "risk limit: %v", err)

	err = b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeLimit})
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "limit without price: %v", err)
}

func TestSimulatorAccounts(t *testing.T) {
	ctx := context.Background()
	b, rec := newTestBroker(t, SimulatorOptions{Accounts: []domain.Account{
		{ID: "a", Balance: 100}, {ID: "b", Balance: 200},
	}})

	accts, err := b.GetAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	require.Equal(t, 200.0, accts[1].Equity, "equity starts at the balance")

	cur, err := b.GetCurrentAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", cur.ID)

	require.NoError(t, b.SetCurrentAccount(ctx, "b"))
	require.Equal(t, []hub.Kind{hub.AccountUpdate}, kinds(rec.take()))
	cur, err = b.GetCurrentAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", cur.ID)

	require.True(t, errs.IsCode(b.SetCurrentAccount(ctx, "c"), errs.CodeNotFound))
}

func TestSimulatorRestoresFromJournal(t *testing.T) {
	ctx := context.Background()
	journal, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	b, _ := newTestBroker(t, SimulatorOptions{Journal: journal})
	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.NoError(t, b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeMarket}))
	require.NoError(t, b.PlaceOrder(ctx, "sim-1", domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeLimit, LimitPrice: domain.Price(90)}))

	restored, _ := newTestBroker(t, SimulatorOptions{Journal: journal})
	require.NoError(t, restored.Restore(ctx))

	orders, err := restored.GetOrders(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	positions, err := restored.GetPositions(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 100.1, positions[0].Price)
}

// fakeAlpaca records the requests the broker sends.
type fakeAlpaca struct {
	account   alpaca.Account
	orders    []alpaca.Order
	positions []alpaca.Position
	placed    []alpaca.PlaceOrderRequest
	cancelled []string
	closed    []string
}

func (f *fakeAlpaca) GetAccount() (*alpaca.Account, error) { return &f.account, nil }

func (f *fakeAlpaca) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	return f.orders, nil
}

func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	return &alpaca.Order{ID: "new", Symbol: req.Symbol}, nil
}

func (f *fakeAlpaca) CancelOrder(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAlpaca) GetPositions() ([]alpaca.Position, error) { return f.positions, nil }

func (f *fakeAlpaca) GetPosition(symbol string) (*alpaca.Position, error) {
	for i := range f.positions {
		if f.positions[i].Symbol == symbol {
			return &f.positions[i], nil
		}
	}
	return nil, errors.New("position does not exist")
}

func (f *fakeAlpaca) ClosePosition(symbol string, _ alpaca.ClosePositionRequest) (*alpaca.Order, error) {
	f.closed = append(f.closed, symbol)
	return &alpaca.Order{}, nil
}

func (f *fakeAlpaca) StreamTradeUpdatesInBackground(context.Context, func(alpaca.TradeUpdate)) {}

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestMapStatus(t *testing.T) {
	tests := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusActive,
		"accepted":         domain.OrderStatusActive,
		"partially_filled": domain.OrderStatusActive,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusClosed,
		"expired":          domain.OrderStatusClosed,
		"rejected":         domain.OrderStatusClosed,
	}
	for in, want := range tests {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlaceRequest(t *testing.T) {
	req := placeRequest(domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 3, Type: domain.OrderTypeMarket})
	require.Equal(t, alpaca.Market, req.Type)
	require.Equal(t, alpaca.Day, req.TimeInForce)
	require.True(t, req.Qty.Equal(decimal.NewFromInt(3)))
	require.Nil(t, req.TakeProfit)

	req = placeRequest(domain.Order{
		Symbol: "AAPL", Side: domain.SideSell, Quantity: 1, Type: domain.OrderTypeLimit,
		LimitPrice: domain.Price(190), StopLoss: domain.Price(195), TakeProfit: domain.Price(180),
	})
	require.Equal(t, alpaca.Limit, req.Type)
	require.Equal(t, alpaca.Bracket, req.OrderClass)
	require.Equal(t, "190", req.LimitPrice.String())
	require.Equal(t, "195", req.StopLoss.StopPrice.String())
	require.Equal(t, "180", req.TakeProfit.LimitPrice.String())

	req = placeRequest(domain.Order{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeStop,
		StopPrice: domain.Price(200), StopLoss: domain.Price(190)})
	require.Equal(t, alpaca.Stop, req.Type)
	require.Equal(t, alpaca.OTO, req.OrderClass)
}

func TestAlpacaBrokerOrders(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAlpaca{
		account: alpaca.Account{ID: "acct", Cash: decimal.NewFromInt(1000), Equity: decimal.NewFromInt(1100), Currency: "USD"},
		orders: []alpaca.Order{
			{ID: "o1", Symbol: "AAPL", Qty: dec(2), Status: "filled", Side: alpaca.Buy, Type: alpaca.Market, FilledAvgPrice: dec(190)},
			{ID: "o2", Symbol: "MSFT", Qty: dec(1), Status: "filled", Side: alpaca.Buy, Type: alpaca.Market},
			{ID: "o3", Symbol: "NVDA", Qty: dec(1), Status: "new", Side: alpaca.Sell, Type: alpaca.Limit, LimitPrice: dec(130)},
		},
		positions: []alpaca.Position{
			{Symbol: "AAPL", Qty: decimal.NewFromInt(2), Side: "long", AvgEntryPrice: decimal.NewFromInt(190), UnrealizedPL: dec(4.5)},
		},
	}
	rec := &recorder{}
	b := newAlpacaBroker(fake, AlpacaOptions{Publisher: rec})

	acct, err := b.GetCurrentAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Account{ID: "acct", Balance: 1000, Equity: 1100, Currency: "USD"}, acct)

	orders, err := b.GetOrders(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	require.Equal(t, domain.OrderStatusFilled, orders[0].Status)
	require.Equal(t, 190.0, *orders[0].ExecutedPrice)
	require.Equal(t, domain.OrderStatusClosed, orders[1].Status, "filled without a position is closed")
	require.Equal(t, domain.OrderTypeLimit, orders[2].Type)

	positions, err := b.GetPositions(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, domain.Position{ID: "AAPL", AccountID: "acct", Symbol: "AAPL", Quantity: 2, Side: domain.SideBuy, Price: 190, Profit: 4.5}, positions[0])

	_, err = b.GetPositions(ctx, "other")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	require.NoError(t, b.CancelOrder(ctx, "acct", "o3"))
	require.NoError(t, b.CancelOrder(ctx, "acct", "o1"))
	require.Equal(t, []string{"o3"}, fake.cancelled)
	require.Equal(t, []string{"AAPL"}, fake.closed)
	require.True(t, errs.IsCode(b.CancelOrder(ctx, "acct", "zzz"), errs.CodeNotFound))

	require.NoError(t, b.PlaceOrder(ctx, "acct", domain.Order{Symbol: "spy", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeMarket}))
	require.Len(t, fake.placed, 1)
	require.Equal(t, "SPY", fake.placed[0].Symbol)
}

func TestAlpacaTradeUpdates(t *testing.T) {
	fake := &fakeAlpaca{
		account: alpaca.Account{ID: "acct", Cash: decimal.NewFromInt(500), Equity: decimal.NewFromInt(510)},
	}
	rec := &recorder{}
	b := newAlpacaBroker(fake, AlpacaOptions{Publisher: rec})

	b.handleTradeUpdate(alpaca.TradeUpdate{Event: "new", Order: alpaca.Order{ID: "o1", Symbol: "AAPL", Status: "new"}})
	require.Equal(t, []hub.Kind{hub.OrderUpdate}, kinds(rec.take()))

	b.handleTradeUpdate(alpaca.TradeUpdate{Event: "fill", Order: alpaca.Order{ID: "o1", Symbol: "AAPL", Status: "filled"}})
	events := rec.take()
	require.Equal(t, []hub.Kind{hub.OrderUpdate, hub.PositionUpdate, hub.AccountUpdate, hub.EquityUpdate}, kinds(events))
	require.True(t, events[1].payload.(domain.Position).Closed(), "no position left in the symbol")
	require.Equal(t, domain.EquityUpdate{AccountID: "acct", Equity: 510}, events[3].payload)
}
