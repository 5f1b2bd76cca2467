package terminal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradeterm/internal/broker"
	"tradeterm/internal/config"
	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
	"tradeterm/internal/placement"
)

// accountSelector is implemented by brokers that hold several accounts.
type accountSelector interface {
	SetCurrentAccount(ctx context.Context, id string) error
}

// Options configures a Terminal. Watchlist is optional.
type Options struct {
	Feed      feed.Feed
	Broker    broker.Broker
	Hub       *hub.Hub
	Config    config.Terminal
	Watchlist *Watchlist
	Now       func() time.Time
	Logger    *slog.Logger
}

// Terminal wires the chart, the account panel and the system manager to
// one feed, one broker and one hub, and follows the current account.
type Terminal struct {
	Chart     *ChartView
	Account   *AccountPanel
	System    *SystemManager
	Watchlist *Watchlist
	Dialogs   *placement.Stack

	broker broker.Broker
	cfg    config.Terminal
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	accountID string
}

// Dialog is the placement of a floating dialog.
type Dialog struct {
	ID   string
	X, Y float64
	Z    int
}

// New builds a Terminal. Call Start to load data.
func New(opts Options) *Terminal {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	res, err := domain.ParseResolution(opts.Config.DefaultResolution)
	if err != nil {
		res = domain.DefaultResolution
	}
	series := domain.SeriesKind(opts.Config.Series)
	if series != domain.SeriesLine {
		series = domain.SeriesCandles
	}

	t := &Terminal{
		Watchlist: opts.Watchlist,
		Dialogs:   placement.NewStack(),
		broker:    opts.Broker,
		cfg:       opts.Config,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "terminal"),
		ctx:       context.Background(),
	}
	t.Chart = NewChartView(ChartOptions{
		Feed:       opts.Feed,
		Broker:     opts.Broker,
		Hub:        opts.Hub,
		Resolution: res,
		Series:     series,
		Logger:     opts.Logger,
	})
	t.Account = NewAccountPanel(AccountPanelOptions{
		Broker: opts.Broker,
		Hub:    opts.Hub,
		Now:    opts.Now,
		Logger: opts.Logger,
	})
	t.System = NewSystemManager(opts.Feed, opts.Broker, opts.Hub, t.accountChanged, opts.Logger)
	return t
}

// Start loads symbols and accounts, binds the views to the current account
// and opens the default symbol. ctx bounds the background work the terminal
// does in response to account changes.
func (t *Terminal) Start(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.System.Start(ctx)
	if t.Watchlist != nil {
		if err := t.Watchlist.Load(); err != nil {
			t.logger.Warn("loading watchlist failed", "error", err)
		}
	}
	if t.cfg.DefaultSymbol == "" {
		return nil
	}
	return t.Chart.SetSymbol(ctx, t.cfg.DefaultSymbol)
}

// accountChanged rebinds the views when the current account switches, and
// only then.
func (t *Terminal) accountChanged(acct domain.Account) {
	t.mu.Lock()
	if acct.ID == "" || acct.ID == t.accountID {
		t.mu.Unlock()
		return
	}
	t.accountID = acct.ID
	ctx := t.ctx
	t.mu.Unlock()

	t.logger.Info("current account", "account", acct.ID, "name", acct.Name)
	t.Account.SetAccount(ctx, acct)
	if err := t.Chart.SetAccount(ctx, acct.ID); err != nil {
		t.logger.Warn("binding chart to account failed", "account", acct.ID, "error", err)
	}
}

// AccountID returns the account the views are bound to.
func (t *Terminal) AccountID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accountID
}

// SelectSymbol switches the chart to symbol.
func (t *Terminal) SelectSymbol(ctx context.Context, symbol string) error {
	return t.Chart.SetSymbol(ctx, symbol)
}

// SelectAccount makes id the current account. Brokers with a single
// account reject it with errs.CodeUnsupported.
func (t *Terminal) SelectAccount(ctx context.Context, id string) error {
	sel, ok := t.broker.(accountSelector)
	if !ok {
		return errs.New("terminal.select_account", errs.CodeUnsupported,
			errs.WithField("broker", t.broker.Name()))
	}
	if err := sel.SetCurrentAccount(ctx, id); err != nil {
		return err
	}
	// Brokers announce the switch with AccountUpdate; refresh in case this
	// one does not.
	t.System.Refresh(ctx)
	return nil
}

// Submit places the order a ticket describes on the bound account. A
// ticket for the chart's symbol without a quote takes the chart's last
// quote.
func (t *Terminal) Submit(ctx context.Context, ticket broker.Ticket) error {
	accountID := t.AccountID()
	if accountID == "" {
		return errs.New("terminal.submit", errs.CodeUnavailable, errs.WithMessage("no account selected"))
	}
	if ticket.Quote == (domain.Quote{}) && strings.EqualFold(ticket.Symbol, t.Chart.Scope().Symbol) {
		if q, ok := t.Chart.LastQuote(); ok {
			ticket.Quote = q
		}
	}
	o, err := ticket.Order(t.now().UTC())
	if err != nil {
		return err
	}
	return t.broker.PlaceOrder(ctx, accountID, o)
}

// Cancel cancels an order of the bound account, or closes its position.
func (t *Terminal) Cancel(ctx context.Context, orderID string) error {
	accountID := t.AccountID()
	if accountID == "" {
		return errs.New("terminal.cancel", errs.CodeUnavailable, errs.WithMessage("no account selected"))
	}
	return t.broker.CancelOrder(ctx, accountID, orderID)
}

// OpenDialog places dialog id next to the pointer and raises it above the
// other dialogs.
func (t *Terminal) OpenDialog(id string, width, height, pointerX, pointerY, maxY, minX float64) Dialog {
	x, y := placement.Place(width, height, pointerX, pointerY, maxY, minX)
	return Dialog{ID: id, X: x, Y: y, Z: t.Dialogs.Raise(id)}
}

// CloseDialog forgets dialog id.
func (t *Terminal) CloseDialog(id string) {
	t.Dialogs.Remove(id)
}

// Close releases every registration and stream the terminal holds.
func (t *Terminal) Close(ctx context.Context) error {
	t.System.Stop()
	t.Account.Close()
	return t.Chart.Close(ctx)
}
