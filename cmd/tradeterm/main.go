package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"tradeterm/internal/broker"
	"tradeterm/internal/config"
	"tradeterm/internal/domain"
	"tradeterm/internal/terminal"
	"tradeterm/internal/util"
)

const (
	ticketDialog = "ticket"
	symbolDialog = "symbol"
)

// Messages.
type tickMsg time.Time

type opDoneMsg struct {
	op  string
	err error
}

type watchlistToggleMsg struct {
	symbol string
	added  bool
	err    error
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// run wraps a blocking terminal call so it runs off the UI loop.
func run(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn()}
	}
}

// Model.
type model struct {
	term   *terminal.Terminal
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	width, height int
	ready         bool

	// Dialog state. Only one input dialog is open at a time.
	dialog     string
	dialogSide domain.Side
	dialogPos  terminal.Dialog
	input      textinput.Model

	selectedRow int
	status      string
	statusErr   bool
}

func initialModel(ctx context.Context, cancel context.CancelFunc, term *terminal.Terminal, logger *slog.Logger) model {
	ti := textinput.New()
	ti.CharLimit = 64
	return model{
		term:   term,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		input:  ti,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.dialog != "" {
			return m.updateDialog(msg)
		}
		return m.updateKeys(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		return m, nil

	case tickMsg:
		m.clampSelection()
		return m, tickCmd()

	case opDoneMsg:
		if msg.err != nil {
			m.logger.Warn("operation failed", "op", msg.op, "error", msg.err)
			m.setStatus(fmt.Sprintf("%s failed: %v", msg.op, msg.err), true)
		} else {
			m.logger.Info("operation done", "op", msg.op)
			m.setStatus(msg.op+" done", false)
		}
		return m, nil

	case watchlistToggleMsg:
		if msg.err != nil {
			// Watchlist.Toggle already reverted the local flip.
			m.setStatus(fmt.Sprintf("watchlist %s failed: %v", msg.symbol, msg.err), true)
		} else if msg.added {
			m.setStatus(msg.symbol+" added to watchlist", false)
		} else {
			m.setStatus(msg.symbol+" removed from watchlist", false)
		}
		return m, nil
	}
	return m, nil
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	term, ctx := m.term, m.ctx
	switch msg.String() {
	case "q", "ctrl+c":
		m.cancel()
		return m, tea.Quit

	case "/":
		return m.openDialog(symbolDialog, "", "symbol: "), textinput.Blink

	case "b", "s":
		side := domain.SideBuy
		if msg.String() == "s" {
			side = domain.SideSell
		}
		m = m.openDialog(ticketDialog, side, string(side)+" qty [price] [sl] [tp]: ")
		return m, textinput.Blink

	case "r":
		next := nextResolution(term.Chart.Scope().Resolution)
		return m, run("resolution "+next.String(), func() error { return term.Chart.SetResolution(ctx, next) })

	case "c":
		kind := domain.SeriesLine
		if term.Chart.Scope().Series == domain.SeriesLine {
			kind = domain.SeriesCandles
		}
		return m, run("series "+string(kind), func() error { return term.Chart.SetSeries(ctx, kind) })

	case "tab":
		tab := nextTab(term.Account.Tab())
		m.selectedRow = 0
		return m, run("tab "+tab.String(), func() error { term.Account.SelectTab(ctx, tab); return nil })

	case "a":
		next, ok := nextAccount(term.System.Accounts(), term.AccountID())
		if !ok {
			return m, nil
		}
		return m, run("account "+next, func() error { return term.SelectAccount(ctx, next) })

	case "up":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
		return m, nil

	case "down":
		m.selectedRow++
		m.clampSelection()
		return m, nil

	case "x":
		id := m.selectedOrderID()
		if id == "" {
			return m, nil
		}
		return m, run("cancel "+id, func() error { return term.Cancel(ctx, id) })

	case " ":
		sym := term.Chart.Scope().Symbol
		if term.Watchlist == nil || sym == "" {
			return m, nil
		}
		added, commit := term.Watchlist.Toggle(sym)
		return m, func() tea.Msg {
			return watchlistToggleMsg{symbol: sym, added: added, err: commit()}
		}
	}
	return m, nil
}

func (m model) openDialog(id string, side domain.Side, prompt string) model {
	m.dialog = id
	m.dialogSide = side
	m.input.Prompt = prompt
	m.input.SetValue("")
	m.input.Focus()
	// Dialogs open at the top right corner of the chart.
	m.dialogPos = m.term.OpenDialog(id, dialogWidth, 3, float64(m.width), 1, float64(m.height), 0)
	return m
}

func (m model) closeDialog() model {
	m.term.CloseDialog(m.dialog)
	m.dialog = ""
	m.input.Blur()
	return m
}

func (m model) updateDialog(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	term, ctx := m.term, m.ctx
	switch msg.String() {
	case "esc":
		return m.closeDialog(), nil

	case "enter":
		value := strings.TrimSpace(m.input.Value())
		dialog, side := m.dialog, m.dialogSide
		m = m.closeDialog()
		if value == "" {
			return m, nil
		}
		switch dialog {
		case symbolDialog:
			sym := strings.ToUpper(value)
			return m, run("symbol "+sym, func() error { return term.SelectSymbol(ctx, sym) })
		case ticketDialog:
			ticket, err := parseTicket(term.Chart.Scope().Symbol, side, value)
			if err != nil {
				m.setStatus(err.Error(), true)
				return m, nil
			}
			return m, run(fmt.Sprintf("%s %s %s", side, num(ticket.Quantity), ticket.Symbol), func() error {
				return term.Submit(ctx, ticket)
			})
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m *model) clampSelection() {
	n := 0
	switch m.term.Account.Tab() {
	case terminal.TabPositions:
		n = len(m.term.Account.Positions())
	case terminal.TabOrders:
		n = len(m.term.Account.Orders())
	}
	if m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}

// selectedOrderID returns the order behind the selected row. Positions are
// closed through the order that opened them.
func (m model) selectedOrderID() string {
	switch m.term.Account.Tab() {
	case terminal.TabPositions:
		positions := m.term.Account.Positions()
		if m.selectedRow < len(positions) {
			return positions[m.selectedRow].OrderID
		}
	case terminal.TabOrders:
		orders := m.term.Account.Orders()
		if m.selectedRow < len(orders) {
			return orders[m.selectedRow].ID
		}
	}
	return ""
}

// parseTicket reads "qty [price] [sl] [tp]". A price makes the ticket
// pending; "-" skips a price.
func parseTicket(symbol string, side domain.Side, input string) (broker.Ticket, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 || len(fields) > 4 {
		return broker.Ticket{}, fmt.Errorf("want qty [price] [sl] [tp]")
	}
	qty, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return broker.Ticket{}, fmt.Errorf("quantity %q is not a number", fields[0])
	}
	prices := make([]*float64, 3)
	for i, f := range fields[1:] {
		if f == "-" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return broker.Ticket{}, fmt.Errorf("price %q is not a number", f)
		}
		prices[i] = domain.Price(v)
	}
	t := broker.Ticket{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Pending:    prices[0] != nil,
		Price:      prices[0],
		StopLoss:   prices[1],
		TakeProfit: prices[2],
	}
	return t, t.Validate()
}

func nextResolution(cur domain.Resolution) domain.Resolution {
	for i, r := range domain.Resolutions {
		if r == cur {
			return domain.Resolutions[(i+1)%len(domain.Resolutions)]
		}
	}
	return domain.DefaultResolution
}

func nextTab(cur terminal.Tab) terminal.Tab {
	for i, t := range terminal.Tabs {
		if t == cur {
			return terminal.Tabs[(i+1)%len(terminal.Tabs)]
		}
	}
	return terminal.TabPositions
}

func nextAccount(accounts []domain.Account, cur string) (string, bool) {
	if len(accounts) < 2 {
		return "", false
	}
	for i, a := range accounts {
		if a.ID == cur {
			return accounts[(i+1)%len(accounts)].ID, true
		}
	}
	return accounts[0].ID, true
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func main() {
	cfgPath := "config/tradeterm.yaml"
	if p := os.Getenv("TRADETERM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	// The screen belongs to the UI, so logs go to a file.
	logPath := fmt.Sprintf("/tmp/tradeterm-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, cfg.Logging.Level, "text")
	util.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Fprint(os.Stderr, "connecting...")
	svc, err := terminal.OpenServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, " %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Error("closing services", "error", err)
		}
	}()

	term := terminal.New(terminal.Options{
		Feed:      svc.Feed,
		Broker:    svc.Broker,
		Hub:       svc.Hub,
		Config:    cfg.Terminal,
		Watchlist: svc.Watchlist,
		Logger:    logger,
	})
	if err := term.Start(ctx); err != nil {
		// The chart shows the failure; the rest of the terminal still works.
		logger.Warn("opening default symbol", "error", err)
	}
	defer term.Close(context.Background())
	fmt.Fprintln(os.Stderr, " ok")

	p := tea.NewProgram(
		initialModel(ctx, cancel, term, logger),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
