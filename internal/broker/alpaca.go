package broker

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/hub"
)

// Compile-time interface checks.
var (
	_ Broker        = (*AlpacaBroker)(nil)
	_ alpacaTrading = (*alpaca.Client)(nil)
)

// alpacaTrading is the subset of the Alpaca trading client the broker uses.
type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetPositions() ([]alpaca.Position, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
	StreamTradeUpdatesInBackground(ctx context.Context, handler func(alpaca.TradeUpdate))
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// An Alpaca key pair maps to a single account.
type AlpacaBroker struct {
	client alpacaTrading
	pub    Publisher
	risk   *RiskManager
	logger *slog.Logger

	mu        sync.Mutex
	accountID string
}

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Publisher Publisher
	Risk      *RiskManager
	Logger    *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	return newAlpacaBroker(client, opts)
}

func newAlpacaBroker(client alpacaTrading, opts AlpacaOptions) *AlpacaBroker {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AlpacaBroker{
		client: client,
		pub:    opts.Publisher,
		risk:   opts.Risk,
		logger: opts.Logger.With("component", "broker", "broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetAccounts returns the single account behind the key pair.
func (b *AlpacaBroker) GetAccounts(ctx context.Context) ([]domain.Account, error) {
	a, err := b.GetCurrentAccount(ctx)
	if err != nil {
		return nil, err
	}
	return []domain.Account{a}, nil
}

// GetCurrentAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetCurrentAccount(context.Context) (domain.Account, error) {
	a, err := b.client.GetAccount()
	if err != nil {
		return domain.Account{}, errs.New("alpaca.get_account", errs.CodeTransient, errs.WithCause(err))
	}
	b.mu.Lock()
	b.accountID = a.ID
	b.mu.Unlock()
	return toAccount(*a), nil
}

func (b *AlpacaBroker) checkAccount(op, accountID string) error {
	b.mu.Lock()
	known := b.accountID
	b.mu.Unlock()
	if known == "" || accountID == "" || accountID == known {
		return nil
	}
	return errs.New(op, errs.CodeNotFound, errs.WithField("account", accountID))
}

// GetOrders returns the account's recent orders. Filled orders whose symbol
// no longer has an open position are reported closed.
func (b *AlpacaBroker) GetOrders(_ context.Context, accountID string) ([]domain.Order, error) {
	const op = "alpaca.get_orders"
	if err := b.checkAccount(op, accountID); err != nil {
		return nil, err
	}
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 500, Nested: true})
	if err != nil {
		return nil, errs.New(op, errs.CodeTransient, errs.WithCause(err))
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, errs.New(op, errs.CodeTransient, errs.WithCause(err))
	}
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.Symbol] = true
	}

	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		d := toOrder(o, accountID)
		if d.Status == domain.OrderStatusFilled && !open[d.Symbol] {
			d.Status = domain.OrderStatusClosed
		}
		out = append(out, d)
	}
	return out, nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	const op = "alpaca.get_positions"
	if err := b.checkAccount(op, accountID); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, errs.New(op, errs.CodeTransient, errs.WithCause(err))
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPosition(p, accountID))
	}
	return out, nil
}

// PlaceOrder submits the order. Stop loss and take profit turn it into a
// bracket (both) or one-triggers-other (one) order.
func (b *AlpacaBroker) PlaceOrder(_ context.Context, accountID string, o domain.Order) error {
	const op = "alpaca.place_order"
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	if err := validateOrder(op, o); err != nil {
		return err
	}
	if err := b.checkAccount(op, accountID); err != nil {
		return err
	}

	if b.risk != nil {
		a, err := b.client.GetAccount()
		if err != nil {
			return errs.New(op, errs.CodeTransient, errs.WithCause(err))
		}
		acct := toAccount(*a)
		if err := b.risk.CheckOrder(o, referencePrice(o, o.CurrentQuote, o.CurrentQuote.Ask > 0), acct, a.LastEquity.InexactFloat64()); err != nil {
			return err
		}
	}

	placed, err := b.client.PlaceOrder(placeRequest(o))
	if err != nil {
		return errs.New(op, errs.CodeTransient, errs.WithCause(err))
	}
	b.logger.Info("order placed", "order", placed.ID, "symbol", placed.Symbol, "side", placed.Side, "type", placed.Type)
	return nil
}

// CancelOrder cancels an active order. For a filled order the position in
// its symbol is closed at market.
func (b *AlpacaBroker) CancelOrder(_ context.Context, accountID, orderID string) error {
	const op = "alpaca.cancel_order"
	if err := b.checkAccount(op, accountID); err != nil {
		return err
	}
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 500})
	if err != nil {
		return errs.New(op, errs.CodeTransient, errs.WithCause(err))
	}
	var found *alpaca.Order
	for i := range orders {
		if orders[i].ID == orderID {
			found = &orders[i]
			break
		}
	}
	if found == nil {
		return errs.New(op, errs.CodeNotFound, errs.WithField("order", orderID))
	}

	switch mapStatus(found.Status) {
	case domain.OrderStatusActive:
		if err := b.client.CancelOrder(orderID); err != nil {
			return errs.New(op, errs.CodeTransient, errs.WithCause(err))
		}
	case domain.OrderStatusFilled:
		if _, err := b.client.ClosePosition(found.Symbol, alpaca.ClosePositionRequest{}); err != nil {
			return errs.New(op, errs.CodeTransient, errs.WithCause(err))
		}
	}
	return nil
}

// StreamTradeUpdates forwards Alpaca trade updates to the publisher until
// ctx is cancelled: every update as an OrderUpdate, and fills additionally
// as PositionUpdate plus the refreshed account and equity.
func (b *AlpacaBroker) StreamTradeUpdates(ctx context.Context) {
	b.client.StreamTradeUpdatesInBackground(ctx, b.handleTradeUpdate)
}

func (b *AlpacaBroker) handleTradeUpdate(tu alpaca.TradeUpdate) {
	b.mu.Lock()
	accountID := b.accountID
	b.mu.Unlock()

	b.pub.Publish(hub.OrderUpdate, toOrder(tu.Order, accountID))
	if tu.Event != "fill" && tu.Event != "partial_fill" {
		return
	}

	p, err := b.client.GetPosition(tu.Order.Symbol)
	if err != nil {
		// No position left in the symbol.
		b.pub.Publish(hub.PositionUpdate, domain.Position{ID: tu.Order.Symbol, AccountID: accountID, Symbol: tu.Order.Symbol})
	} else {
		b.pub.Publish(hub.PositionUpdate, toPosition(*p, accountID))
	}

	a, err := b.client.GetAccount()
	if err != nil {
		b.logger.Warn("refreshing account after fill failed", "error", err)
		return
	}
	acct := toAccount(*a)
	b.pub.Publish(hub.AccountUpdate, acct)
	b.pub.Publish(hub.EquityUpdate, domain.EquityUpdate{AccountID: acct.ID, Equity: acct.Equity})
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// mapStatus folds Alpaca's order states into active, filled and closed.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "rejected", "replaced", "done_for_day", "stopped", "suspended":
		return domain.OrderStatusClosed
	}
	return domain.OrderStatusActive
}

func mapType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Limit:
		return domain.OrderTypeLimit
	case alpaca.Stop, alpaca.StopLimit, alpaca.TrailingStop:
		return domain.OrderTypeStop
	}
	return domain.OrderTypeMarket
}

func toOrder(o alpaca.Order, accountID string) domain.Order {
	d := domain.Order{
		ID:            o.ID,
		AccountID:     accountID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Type:          mapType(o.Type),
		ExecutedPrice: fromDecimal(o.FilledAvgPrice),
		LimitPrice:    fromDecimal(o.LimitPrice),
		StopPrice:     fromDecimal(o.StopPrice),
		OpenTime:      o.SubmittedAt.UTC(),
		Status:        mapStatus(o.Status),
	}
	if o.Qty != nil {
		d.Quantity = o.Qty.InexactFloat64()
	} else {
		d.Quantity = o.FilledQty.InexactFloat64()
	}
	for _, leg := range o.Legs {
		switch leg.Type {
		case alpaca.Limit:
			d.TakeProfit = fromDecimal(leg.LimitPrice)
		case alpaca.Stop, alpaca.StopLimit:
			d.StopLoss = fromDecimal(leg.StopPrice)
		}
	}
	if d.Status == domain.OrderStatusClosed {
		for _, t := range []*time.Time{o.CanceledAt, o.ExpiredAt, o.FailedAt, o.ReplacedAt} {
			if t != nil {
				d.CloseTime = t.UTC()
				break
			}
		}
	}
	return d
}

// toPosition keys positions by symbol since Alpaca holds one per symbol.
func toPosition(p alpaca.Position, accountID string) domain.Position {
	side := domain.SideBuy
	if p.Side == "short" {
		side = domain.SideSell
	}
	d := domain.Position{
		ID:        p.Symbol,
		AccountID: accountID,
		Symbol:    p.Symbol,
		Quantity:  math.Abs(p.Qty.InexactFloat64()),
		Side:      side,
		Price:     p.AvgEntryPrice.InexactFloat64(),
	}
	if p.UnrealizedPL != nil {
		d.Profit = p.UnrealizedPL.InexactFloat64()
	}
	return d
}

func toAccount(a alpaca.Account) domain.Account {
	return domain.Account{
		ID:       a.ID,
		Name:     a.AccountNumber,
		Balance:  a.Cash.InexactFloat64(),
		Equity:   a.Equity.InexactFloat64(),
		Currency: a.Currency,
	}
}

func placeRequest(o domain.Order) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromFloat(o.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      o.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(o.Side),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
		LimitPrice:  toDecimal(o.LimitPrice),
		StopPrice:   toDecimal(o.StopPrice),
	}
	switch o.Type {
	case domain.OrderTypeLimit:
		req.Type = alpaca.Limit
	case domain.OrderTypeStop:
		req.Type = alpaca.Stop
	}

	if o.TakeProfit != nil {
		req.TakeProfit = &alpaca.TakeProfit{LimitPrice: toDecimal(o.TakeProfit)}
	}
	if o.StopLoss != nil {
		req.StopLoss = &alpaca.StopLoss{StopPrice: toDecimal(o.StopLoss)}
	}
	switch {
	case req.TakeProfit != nil && req.StopLoss != nil:
		req.OrderClass = alpaca.Bracket
		req.TimeInForce = alpaca.GTC
	case req.TakeProfit != nil || req.StopLoss != nil:
		req.OrderClass = alpaca.OTO
		req.TimeInForce = alpaca.GTC
	}
	return req
}

func toDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func fromDecimal(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	return domain.Price(d.InexactFloat64())
}
