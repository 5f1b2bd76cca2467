package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tradeterm/internal/broker"
	"tradeterm/internal/domain"
	"tradeterm/internal/hub"
)

// Tab is a page of the account panel.
type Tab int

const (
	TabPositions Tab = iota
	TabOrders
	TabSummary
	TabNotifications
)

// Tabs lists the panel tabs in display order.
var Tabs = []Tab{TabPositions, TabOrders, TabSummary, TabNotifications}

func (t Tab) String() string {
	switch t {
	case TabPositions:
		return "Positions"
	case TabOrders:
		return "Orders"
	case TabSummary:
		return "Summary"
	case TabNotifications:
		return "Notifications"
	}
	return "Unknown"
}

// Notification is one line of the notifications tab.
type Notification struct {
	Time time.Time
	Kind hub.Kind
	Text string
}

const defaultMaxNotifications = 100

// AccountPanelOptions configures an AccountPanel.
type AccountPanelOptions struct {
	Broker           broker.Broker
	Hub              *hub.Hub
	MaxNotifications int
	Now              func() time.Time
	Logger           *slog.Logger
}

// AccountPanel holds the positions, orders, summary and notifications of the
// selected account. Push events keep it current between refetches.
type AccountPanel struct {
	broker   broker.Broker
	hub      *hub.Hub
	id       hub.SubscriberID
	maxNotes int
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	account   domain.Account
	tab       Tab
	gen       uint64 // bumped by tab and account changes
	positions []domain.Position
	orders    []domain.Order
	notes     []Notification
}

// NewAccountPanel creates the panel and registers its event handlers.
func NewAccountPanel(opts AccountPanelOptions) *AccountPanel {
	if opts.MaxNotifications <= 0 {
		opts.MaxNotifications = defaultMaxNotifications
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &AccountPanel{
		broker:   opts.Broker,
		hub:      opts.Hub,
		id:       hub.NewSubscriberID(),
		maxNotes: opts.MaxNotifications,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "account_panel"),
	}
	hub.On(p.hub, p.id, hub.PositionUpdate, p.onPosition)
	hub.On(p.hub, p.id, hub.ProfitLossUpdate, p.onProfitLoss)
	hub.On(p.hub, p.id, hub.OrderUpdate, p.onOrder)
	hub.On(p.hub, p.id, hub.EquityUpdate, p.onEquity)
	hub.On(p.hub, p.id, hub.AccountUpdate, p.onAccount)
	return p
}

// Close drops every hub registration of the panel.
func (p *AccountPanel) Close() {
	p.hub.ReleaseAll(p.id)
}

// SetAccount selects the account shown and refetches the current tab.
func (p *AccountPanel) SetAccount(ctx context.Context, acct domain.Account) {
	p.mu.Lock()
	p.account = acct
	p.positions = nil
	p.orders = nil
	tab := p.tab
	p.mu.Unlock()

	p.SelectTab(ctx, tab)
}

// SelectTab switches tabs. Positions and Orders are refetched from the
// broker; a result that returns after a later tab or account change is
// dropped. Fetch failures keep the previous rows.
func (p *AccountPanel) SelectTab(ctx context.Context, tab Tab) {
	p.mu.Lock()
	p.tab = tab
	p.gen++
	gen := p.gen
	accountID := p.account.ID
	p.mu.Unlock()

	if accountID == "" {
		return
	}

	switch tab {
	case TabPositions:
		positions, err := p.broker.GetPositions(ctx, accountID)
		if err != nil {
			p.logger.Warn("fetching positions failed", "account", accountID, "error", err)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.gen {
			p.logger.Debug("discarding stale positions", "account", accountID)
			return
		}
		p.positions = positions
	case TabOrders:
		orders, err := p.broker.GetOrders(ctx, accountID)
		if err != nil {
			p.logger.Warn("fetching orders failed", "account", accountID, "error", err)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.gen {
			p.logger.Debug("discarding stale orders", "account", accountID)
			return
		}
		p.orders = orders
	}
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// Tab returns the selected tab.
func (p *AccountPanel) Tab() Tab {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tab
}

// Account returns the summary of the selected account.
func (p *AccountPanel) Account() domain.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// Positions returns a copy of the open positions.
func (p *AccountPanel) Positions() []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Position(nil), p.positions...)
}

// Orders returns a copy of the orders.
func (p *AccountPanel) Orders() []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Order(nil), p.orders...)
}

// Notifications returns the notification lines, oldest first.
func (p *AccountPanel) Notifications() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.notes...)
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

// mineLocked reports whether a payload tagged accountID belongs to the
// selected account. Untagged payloads are accepted.
func (p *AccountPanel) mineLocked(accountID string) bool {
	return p.account.ID != "" && (accountID == "" || accountID == p.account.ID)
}

func (p *AccountPanel) onPosition(pos domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.mineLocked(pos.AccountID) {
		return
	}
	i := p.positionIndexLocked(pos.ID)
	switch {
	case pos.Closed():
		if i >= 0 {
			p.positions = append(p.positions[:i], p.positions[i+1:]...)
		}
		p.noteLocked(hub.PositionUpdate, fmt.Sprintf("position %s %s closed", pos.Symbol, pos.ID))
	case i >= 0:
		p.positions[i] = pos
		p.noteLocked(hub.PositionUpdate, fmt.Sprintf("position %s %s %s updated", pos.Symbol, pos.Side, qty(pos.Quantity)))
	default:
		p.positions = append(p.positions, pos)
		p.noteLocked(hub.PositionUpdate, fmt.Sprintf("position %s %s %s opened at %.2f", pos.Symbol, pos.Side, qty(pos.Quantity), pos.Price))
	}
}

func (p *AccountPanel) onProfitLoss(pl domain.ProfitLoss) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.positionIndexLocked(pl.PositionID); i >= 0 {
		p.positions[i].Profit = pl.PL
	}
}

func (p *AccountPanel) onOrder(o domain.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.mineLocked(o.AccountID) {
		return
	}
	replaced := false
	for i := range p.orders {
		if p.orders[i].ID == o.ID {
			p.orders[i] = o
			replaced = true
			break
		}
	}
	if !replaced {
		p.orders = append(p.orders, o)
	}
	p.noteLocked(hub.OrderUpdate, fmt.Sprintf("order %s %s %s %s %s", o.ID, o.Symbol, o.Side, qty(o.Quantity), o.Status))
}

func (p *AccountPanel) onEquity(e domain.EquityUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.mineLocked(e.AccountID) {
		return
	}
	p.account.Equity = e.Equity
}

func (p *AccountPanel) onAccount(a domain.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a.ID != p.account.ID {
		return
	}
	p.account = a
	p.noteLocked(hub.AccountUpdate, fmt.Sprintf("balance %.2f %s", a.Balance, a.Currency))
}

func (p *AccountPanel) positionIndexLocked(id string) int {
	for i := range p.positions {
		if p.positions[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *AccountPanel) noteLocked(kind hub.Kind, text string) {
	p.notes = append(p.notes, Notification{Time: p.now(), Kind: kind, Text: text})
	if over := len(p.notes) - p.maxNotes; over > 0 {
		p.notes = append(p.notes[:0], p.notes[over:]...)
	}
}

func qty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
