package broker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/hub"
	"tradeterm/internal/store"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorOptions configures a SimulatorBroker. Journal, Publisher and
// Risk are optional.
type SimulatorOptions struct {
	Accounts  []domain.Account
	Journal   store.Journal
	Publisher Publisher
	Risk      *RiskManager
	Now       func() time.Time
	Logger    *slog.Logger
}

type simAccount struct {
	acct      domain.Account
	day       string
	dayStart  float64
	orders    map[string]*domain.Order
	orderIDs  []string // placement order
	positions map[string]*domain.Position
}

// SimulatorBroker implements the Broker interface for paper trading. It
// keeps accounts, orders and positions in memory, fills orders against the
// quotes fed to MarkQuote, publishes every change to the event hub and
// journals orders and positions when a journal is configured.
type SimulatorBroker struct {
	journal store.Journal
	pub     Publisher
	risk    *RiskManager
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[string]*simAccount
	ids      []string
	current  string
	quotes   map[string]domain.Quote
}

// NewSimulatorBroker creates a SimulatorBroker holding the given accounts.
// The first account is the current one.
func NewSimulatorBroker(opts SimulatorOptions) *SimulatorBroker {
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &SimulatorBroker{
		journal:  opts.Journal,
		pub:      opts.Publisher,
		risk:     opts.Risk,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "broker", "broker", "simulator"),
		accounts: make(map[string]*simAccount),
		quotes:   make(map[string]domain.Quote),
	}
	for _, a := range opts.Accounts {
		if a.Equity == 0 {
			a.Equity = a.Balance
		}
		b.accounts[a.ID] = &simAccount{
			acct:      a,
			orders:    make(map[string]*domain.Order),
			positions: make(map[string]*domain.Position),
		}
		b.ids = append(b.ids, a.ID)
	}
	if len(b.ids) > 0 {
		b.current = b.ids[0]
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Restore reloads the journaled orders and open positions of every account.
// Balances start from their configured values.
func (b *SimulatorBroker) Restore(ctx context.Context) error {
	if b.journal == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.ids {
		a := b.accounts[id]
		orders, err := b.journal.ListOrders(ctx, id)
		if err != nil {
			return err
		}
		for i := range orders {
			o := orders[i]
			if _, ok := a.orders[o.ID]; !ok {
				a.orderIDs = append(a.orderIDs, o.ID)
			}
			a.orders[o.ID] = &o
		}
		positions, err := b.journal.ListPositions(ctx, id)
		if err != nil {
			return err
		}
		for i := range positions {
			p := positions[i]
			a.positions[p.ID] = &p
		}
		b.equityLocked(a)
		b.logger.Info("restored account", "account", id, "orders", len(orders), "positions", len(positions))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) accountLocked(op, id string) (*simAccount, error) {
	a, ok := b.accounts[id]
	if !ok {
		return nil, errs.New(op, errs.CodeNotFound, errs.WithField("account", id))
	}
	return a, nil
}

// GetAccounts lists the accounts in configuration order.
func (b *SimulatorBroker) GetAccounts(context.Context) ([]domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Account, 0, len(b.ids))
	for _, id := range b.ids {
		out = append(out, b.accounts[id].acct)
	}
	return out, nil
}

// GetCurrentAccount returns the selected account.
func (b *SimulatorBroker) GetCurrentAccount(context.Context) (domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.accountLocked("simulator.get_current_account", b.current)
	if err != nil {
		return domain.Account{}, err
	}
	return a.acct, nil
}

// SetCurrentAccount selects the account used for trading and announces it
// with an AccountUpdate.
func (b *SimulatorBroker) SetCurrentAccount(_ context.Context, id string) error {
	b.mu.Lock()
	a, err := b.accountLocked("simulator.set_current_account", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.current = id
	acct := a.acct
	b.mu.Unlock()

	b.pub.Publish(hub.AccountUpdate, acct)
	return nil
}

// ---------------------------------------------------------------------------
// Orders and positions
// ---------------------------------------------------------------------------

// GetOrders returns the orders of the account in placement order.
func (b *SimulatorBroker) GetOrders(_ context.Context, accountID string) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.accountLocked("simulator.get_orders", accountID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(a.orderIDs))
	for _, id := range a.orderIDs {
		out = append(out, *a.orders[id])
	}
	return out, nil
}

// GetPositions returns the open positions of the account ordered by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.accountLocked("simulator.get_positions", accountID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PlaceOrder accepts an order. Market orders fill immediately when a quote
// for the symbol is known and otherwise on the next MarkQuote; limit and
// stop orders wait for their trigger.
func (b *SimulatorBroker) PlaceOrder(ctx context.Context, accountID string, o domain.Order) error {
	const op = "simulator.place_order"
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	if err := validateOrder(op, o); err != nil {
		return err
	}

	b.mu.Lock()
	a, err := b.accountLocked(op, accountID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	q, haveQuote := b.quotes[o.Symbol]
	b.rollDayLocked(a)
	if err := b.risk.CheckOrder(o, referencePrice(o, q, haveQuote), a.acct, a.dayStart); err != nil {
		b.mu.Unlock()
		return err
	}

	o.ID = uuid.NewString()
	o.AccountID = accountID
	o.Status = domain.OrderStatusActive
	o.ExecutedPrice = nil
	o.CloseTime = time.Time{}
	if o.OpenTime.IsZero() {
		o.OpenTime = b.now().UTC()
	}
	if haveQuote {
		o.CurrentQuote = q
	}
	ord := &o
	a.orders[o.ID] = ord
	a.orderIDs = append(a.orderIDs, o.ID)
	b.saveOrder(ctx, ord)

	events := []event{{hub.OrderUpdate, *ord}}
	if haveQuote {
		events = append(events, b.matchLocked(ctx, a, ord, q)...)
		events = append(events, b.equityLocked(a)...)
	}
	b.mu.Unlock()

	b.logger.Info("order placed", "account", accountID, "order", o.ID, "symbol", o.Symbol,
		"side", o.Side, "type", o.Type, "quantity", o.Quantity)
	publishAll(b.pub, events)
	return nil
}

// CancelOrder closes an active order, or closes the position of a filled
// order at its last marked profit. Cancelling a closed order is a no-op.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	const op = "simulator.cancel_order"
	b.mu.Lock()
	a, err := b.accountLocked(op, accountID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	o, ok := a.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return errs.New(op, errs.CodeNotFound, errs.WithField("order", orderID))
	}

	var events []event
	switch o.Status {
	case domain.OrderStatusActive:
		o.Status = domain.OrderStatusClosed
		o.CloseTime = b.now().UTC()
		b.saveOrder(ctx, o)
		events = append(events, event{hub.OrderUpdate, *o})
	case domain.OrderStatusFilled:
		for _, p := range a.positions {
			if p.OrderID == orderID {
				if q, ok := b.quotes[p.Symbol]; ok {
					events = append(events, b.markLocked(p, q)...)
				}
				events = append(events, b.closePositionLocked(ctx, a, p)...)
				break
			}
		}
		if o.Status != domain.OrderStatusClosed {
			// Position already gone; close the order on its own.
			o.Status = domain.OrderStatusClosed
			o.CloseTime = b.now().UTC()
			b.saveOrder(ctx, o)
			events = append(events, event{hub.OrderUpdate, *o})
		}
		events = append(events, b.equityLocked(a)...)
	}
	b.mu.Unlock()

	publishAll(b.pub, events)
	return nil
}

// MarkQuote records the latest quote of a symbol, fills orders it triggers,
// re-marks open positions and closes those whose stop loss or take profit
// it crosses.
func (b *SimulatorBroker) MarkQuote(q domain.Quote) {
	if q.Symbol == "" || q.Bid <= 0 || q.Ask <= 0 {
		return
	}
	q.Symbol = strings.ToUpper(q.Symbol)
	ctx := context.Background()

	var events []event
	b.mu.Lock()
	b.quotes[q.Symbol] = q
	for _, id := range b.ids {
		a := b.accounts[id]
		for _, oid := range a.orderIDs {
			o := a.orders[oid]
			if o.Symbol == q.Symbol && o.Status == domain.OrderStatusActive {
				events = append(events, b.matchLocked(ctx, a, o, q)...)
			}
		}
		for _, p := range positionsFor(a, q.Symbol) {
			events = append(events, b.markLocked(p, q)...)
			if hitsExit(p, q) {
				events = append(events, b.closePositionLocked(ctx, a, p)...)
			}
		}
		b.rollDayLocked(a)
		events = append(events, b.equityLocked(a)...)
	}
	b.mu.Unlock()

	publishAll(b.pub, events)
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

// matchLocked fills o if q triggers it.
func (b *SimulatorBroker) matchLocked(ctx context.Context, a *simAccount, o *domain.Order, q domain.Quote) []event {
	px, ok := fillPrice(*o, q)
	if !ok {
		return nil
	}

	o.Status = domain.OrderStatusFilled
	o.ExecutedPrice = domain.Price(px)
	o.CurrentQuote = q
	b.saveOrder(ctx, o)

	p := &domain.Position{
		ID:         uuid.NewString(),
		AccountID:  a.acct.ID,
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Quantity:   o.Quantity,
		Side:       o.Side,
		Price:      px,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
	}
	a.positions[p.ID] = p
	b.savePosition(ctx, p)

	events := []event{{hub.OrderUpdate, *o}, {hub.PositionUpdate, *p}}
	events = append(events, b.markLocked(p, q)...)
	return events
}

// fillPrice reports the execution price of o against q, if q triggers it.
// Buys execute at the ask and sells at the bid.
func fillPrice(o domain.Order, q domain.Quote) (float64, bool) {
	buy := o.Side == domain.SideBuy
	px := q.Bid
	if buy {
		px = q.Ask
	}
	if px <= 0 {
		return 0, false
	}

	switch o.Type {
	case domain.OrderTypeMarket:
		return px, true
	case domain.OrderTypeLimit:
		if o.LimitPrice == nil {
			return 0, false
		}
		if buy {
			return px, px <= *o.LimitPrice
		}
		return px, px >= *o.LimitPrice
	case domain.OrderTypeStop:
		if o.StopPrice == nil {
			return 0, false
		}
		if buy {
			return px, px >= *o.StopPrice
		}
		return px, px <= *o.StopPrice
	}
	return 0, false
}

// markLocked re-values p at q and reports a changed profit.
func (b *SimulatorBroker) markLocked(p *domain.Position, q domain.Quote) []event {
	var pl float64
	if p.Side == domain.SideBuy {
		pl = (q.Bid - p.Price) * p.Quantity
	} else {
		pl = (p.Price - q.Ask) * p.Quantity
	}
	pl = math.Round(pl*100) / 100
	if pl == p.Profit {
		return nil
	}
	p.Profit = pl
	return []event{{hub.ProfitLossUpdate, domain.ProfitLoss{PositionID: p.ID, PL: pl}}}
}

// hitsExit reports whether q crosses the stop loss or take profit of p.
func hitsExit(p *domain.Position, q domain.Quote) bool {
	if p.Side == domain.SideBuy {
		return (p.StopLoss != nil && q.Bid <= *p.StopLoss) ||
			(p.TakeProfit != nil && q.Bid >= *p.TakeProfit)
	}
	return (p.StopLoss != nil && q.Ask >= *p.StopLoss) ||
		(p.TakeProfit != nil && q.Ask <= *p.TakeProfit)
}

// closePositionLocked realizes the profit of p into the balance, removes it
// and closes its order.
func (b *SimulatorBroker) closePositionLocked(ctx context.Context, a *simAccount, p *domain.Position) []event {
	a.acct.Balance = math.Round((a.acct.Balance+p.Profit)*100) / 100
	delete(a.positions, p.ID)
	b.deletePosition(ctx, p.ID)

	closed := *p
	closed.Quantity = 0
	events := []event{{hub.PositionUpdate, closed}}

	if o, ok := a.orders[p.OrderID]; ok && o.Status != domain.OrderStatusClosed {
		o.Status = domain.OrderStatusClosed
		o.CloseTime = b.now().UTC()
		b.saveOrder(ctx, o)
		events = append(events, event{hub.OrderUpdate, *o})
	}
	b.logger.Info("position closed", "account", a.acct.ID, "position", p.ID, "symbol", p.Symbol, "profit", p.Profit)
	return append(events, event{hub.AccountUpdate, a.acct})
}

// equityLocked recomputes balance plus open profit and reports a change.
func (b *SimulatorBroker) equityLocked(a *simAccount) []event {
	eq := a.acct.Balance
	for _, p := range a.positions {
		eq += p.Profit
	}
	eq = math.Round(eq*100) / 100
	if eq == a.acct.Equity {
		return nil
	}
	a.acct.Equity = eq
	return []event{{hub.EquityUpdate, domain.EquityUpdate{AccountID: a.acct.ID, Equity: eq}}}
}

// rollDayLocked remembers the equity at the first activity of each UTC day.
func (b *SimulatorBroker) rollDayLocked(a *simAccount) {
	day := b.now().UTC().Format(time.DateOnly)
	if a.day != day {
		a.day = day
		a.dayStart = a.acct.Equity
	}
}

func positionsFor(a *simAccount, symbol string) []*domain.Position {
	var out []*domain.Position
	for _, p := range a.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func referencePrice(o domain.Order, q domain.Quote, haveQuote bool) float64 {
	switch {
	case o.LimitPrice != nil:
		return *o.LimitPrice
	case o.StopPrice != nil:
		return *o.StopPrice
	case haveQuote && o.Side == domain.SideBuy:
		return q.Ask
	case haveQuote:
		return q.Bid
	}
	return 0
}

func validateOrder(op string, o domain.Order) error {
	if o.Symbol == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("symbol is required"))
	}
	if o.Quantity <= 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return errs.New(op, errs.CodeInvalid, errs.WithField("side", string(o.Side)))
	}
	switch o.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.LimitPrice == nil {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("limit order needs a limit price"))
		}
	case domain.OrderTypeStop:
		if o.StopPrice == nil {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("stop order needs a stop price"))
		}
	default:
		return errs.New(op, errs.CodeUnsupported, errs.WithField("type", string(o.Type)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) saveOrder(ctx context.Context, o *domain.Order) {
	if b.journal == nil {
		return
	}
	if err := b.journal.SaveOrder(ctx, o); err != nil {
		b.logger.Warn("journaling order failed", "order", o.ID, "error", err)
	}
}

func (b *SimulatorBroker) savePosition(ctx context.Context, p *domain.Position) {
	if b.journal == nil {
		return
	}
	if err := b.journal.SavePosition(ctx, p); err != nil {
		b.logger.Warn("journaling position failed", "position", p.ID, "error", err)
	}
}

func (b *SimulatorBroker) deletePosition(ctx context.Context, id string) {
	if b.journal == nil {
		return
	}
	if err := b.journal.DeletePosition(ctx, id); err != nil {
		b.logger.Warn("removing journaled position failed", "position", id, "error", err)
	}
}
