package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tradeterm/internal/domain"
	"tradeterm/internal/overlay"
	"tradeterm/internal/terminal"
)

// Styles.
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	seriesStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	orderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	tabStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	tabOnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6")).Padding(0, 1)
	rowHlStyle  = lipgloss.NewStyle().Background(lipgloss.Color("236"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dialogStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("12")).Padding(0, 1)
)

// Layout.
const (
	axisWidth    = 10
	panelHeight  = 9
	dialogWidth  = 48
	chartMinRows = 5
)

type cellKind uint8

const (
	cellEmpty cellKind = iota
	cellUp
	cellDown
	cellSeries
	cellOrder
)

func (k cellKind) style() lipgloss.Style {
	switch k {
	case cellUp:
		return upStyle
	case cellDown:
		return downStyle
	case cellSeries:
		return seriesStyle
	case cellOrder:
		return orderStyle
	}
	return lipgloss.NewStyle()
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	chartRows := m.height - panelHeight - 3
	if chartRows < chartMinRows {
		chartRows = chartMinRows
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(padOrTrunc(m.headerText(), m.width)))
	b.WriteString("\n")
	if m.dialog != "" {
		b.WriteString(m.renderDialog())
		b.WriteString("\n")
		chartRows -= 3
	}
	scope := m.term.Chart.Scope()
	b.WriteString(renderChart(m.term.Chart.Bars(), m.term.Chart.Lines(), scope.Series, m.width, chartRows))
	b.WriteString("\n")
	b.WriteString(m.renderPanel())
	b.WriteString("\n")
	b.WriteString(m.footer())
	return b.String()
}

func (m model) headerText() string {
	scope := m.term.Chart.Scope()
	sym := scope.Symbol
	if sym == "" {
		sym = "-"
	}
	if m.term.Watchlist != nil && m.term.Watchlist.Contains(sym) {
		sym += "*"
	}
	quote := ""
	if q, ok := m.term.Chart.LastQuote(); ok {
		quote = fmt.Sprintf("bid %.2f  ask %.2f", q.Bid, q.Ask)
	}
	acct := m.term.Account.Account()
	return fmt.Sprintf(" %s  %s  %s  [%s]    %s    %s  bal %.2f  eq %.2f ",
		sym, scope.Resolution, scope.Series, m.term.Chart.State(),
		quote, acct.ID, acct.Balance, acct.Equity)
}

func (m model) renderDialog() string {
	box := dialogStyle.Width(dialogWidth - 4).Render(m.input.View())
	return lipgloss.NewStyle().MarginLeft(int(m.dialogPos.X)).Render(box)
}

func (m model) footer() string {
	left := " q quit  / symbol  r res  c series  b/s ticket  tab panel  up/dn select  x cancel  a account"
	if m.term.Watchlist != nil {
		left += "  space watch"
	}
	text := padOrTrunc(left, m.width)
	if m.status != "" {
		st := " " + m.status
		if m.statusErr {
			return errStyle.Inherit(footerStyle).Render(padOrTrunc(st, m.width))
		}
		text = padOrTrunc(st, m.width)
	}
	return footerStyle.Render(text)
}

// ---------------------------------------------------------------------------
// Chart
// ---------------------------------------------------------------------------

// renderChart plots the most recent bars that fit into width columns, one
// bar per column, with order lines drawn across the plot.
func renderChart(bars []domain.Bar, lines []overlay.Line, series domain.SeriesKind, width, rows int) string {
	plotW := width - axisWidth
	if plotW < 1 || rows < 1 {
		return ""
	}
	if len(bars) == 0 {
		return dimStyle.Render(padOrTrunc("  no data", width)) + strings.Repeat("\n", rows-1)
	}
	if len(bars) > plotW {
		bars = bars[len(bars)-plotW:]
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range bars {
		lo = math.Min(lo, b.Low)
		hi = math.Max(hi, b.High)
	}
	if hi <= lo {
		hi = lo + 1
	}
	row := func(p float64) int {
		r := int(math.Round((hi - p) / (hi - lo) * float64(rows-1)))
		return max(0, min(rows-1, r))
	}

	glyphs := make([][]rune, rows)
	kinds := make([][]cellKind, rows)
	for r := range glyphs {
		glyphs[r] = []rune(strings.Repeat(" ", plotW))
		kinds[r] = make([]cellKind, plotW)
	}
	labels := make([]string, rows)

	for _, l := range lines {
		if l.Price < lo || l.Price > hi {
			continue
		}
		r := row(l.Price)
		for x := range glyphs[r] {
			glyphs[r][x], kinds[r][x] = '╌', cellOrder
		}
		labels[r] = orderStyle.Render(fmt.Sprintf(" %.2f", l.Price))
	}

	for x, b := range bars {
		if series == domain.SeriesLine {
			r := row(b.Close)
			glyphs[r][x], kinds[r][x] = '•', cellSeries
			continue
		}
		kind := cellUp
		if b.Close < b.Open {
			kind = cellDown
		}
		for r := row(b.High); r <= row(b.Low); r++ {
			glyphs[r][x], kinds[r][x] = '│', kind
		}
		for r := row(math.Max(b.Open, b.Close)); r <= row(math.Min(b.Open, b.Close)); r++ {
			glyphs[r][x] = '█'
		}
	}

	for r, p := range map[int]float64{0: hi, rows / 2: (hi + lo) / 2, rows - 1: lo} {
		if labels[r] == "" {
			labels[r] = dimStyle.Render(fmt.Sprintf(" %.2f", p))
		}
	}

	out := make([]string, rows)
	for r := range glyphs {
		out[r] = renderRow(glyphs[r], kinds[r]) + labels[r]
	}
	return strings.Join(out, "\n")
}

// renderRow styles runs of equal cell kinds together.
func renderRow(glyphs []rune, kinds []cellKind) string {
	var b strings.Builder
	start := 0
	for x := 1; x <= len(glyphs); x++ {
		if x < len(glyphs) && kinds[x] == kinds[start] {
			continue
		}
		run := string(glyphs[start:x])
		if kinds[start] == cellEmpty {
			b.WriteString(run)
		} else {
			b.WriteString(kinds[start].style().Render(run))
		}
		start = x
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Account panel
// ---------------------------------------------------------------------------

func (m model) renderPanel() string {
	acct := m.term.Account
	cur := acct.Tab()

	tabs := make([]string, 0, len(terminal.Tabs))
	for _, t := range terminal.Tabs {
		if t == cur {
			tabs = append(tabs, tabOnStyle.Render(t.String()))
		} else {
			tabs = append(tabs, tabStyle.Render(t.String()))
		}
	}

	var rows []string
	switch cur {
	case terminal.TabPositions:
		rows = append(rows, dimStyle.Render(fmt.Sprintf(" %-8s %-4s %10s %10s %10s %10s", "SYMBOL", "SIDE", "QTY", "PRICE", "P/L", "SL/TP")))
		for i, p := range acct.Positions() {
			line := fmt.Sprintf(" %-8s %-4s %10s %10.2f %s %10s", p.Symbol, p.Side, num(p.Quantity), p.Price, plText(p.Profit), stops(p.StopLoss, p.TakeProfit))
			rows = append(rows, m.highlight(i, line))
		}
	case terminal.TabOrders:
		rows = append(rows, dimStyle.Render(fmt.Sprintf(" %-8s %-4s %-6s %10s %10s %-7s %s", "SYMBOL", "SIDE", "TYPE", "QTY", "PRICE", "STATUS", "ID")))
		for i, o := range acct.Orders() {
			line := fmt.Sprintf(" %-8s %-4s %-6s %10s %10s %-7s %s", o.Symbol, o.Side, o.Type, num(o.Quantity), orderPrice(o), o.Status, o.ID)
			rows = append(rows, m.highlight(i, line))
		}
	case terminal.TabSummary:
		a := acct.Account()
		rows = append(rows,
			fmt.Sprintf(" account   %s %s", a.ID, a.Name),
			fmt.Sprintf(" balance   %.2f %s", a.Balance, a.Currency),
			fmt.Sprintf(" equity    %.2f", a.Equity),
			fmt.Sprintf(" open p/l  %s", plText(a.Equity-a.Balance)),
			fmt.Sprintf(" accounts  %d", len(m.term.System.Accounts())),
		)
	case terminal.TabNotifications:
		notes := acct.Notifications()
		if len(notes) > panelHeight-1 {
			notes = notes[len(notes)-(panelHeight-1):]
		}
		for _, n := range notes {
			rows = append(rows, fmt.Sprintf(" %s  %s", dimStyle.Render(n.Time.Local().Format("15:04:05")), n.Text))
		}
	}

	if len(rows) > panelHeight-1 {
		rows = rows[:panelHeight-1]
	}
	for len(rows) < panelHeight-1 {
		rows = append(rows, "")
	}
	return strings.Join(tabs, " ") + "\n" + strings.Join(rows, "\n")
}

func (m model) highlight(i int, line string) string {
	line = padOrTrunc(line, m.width)
	if i == m.selectedRow {
		return rowHlStyle.Render(line)
	}
	return line
}

func plText(v float64) string {
	s := fmt.Sprintf("%10.2f", v)
	switch {
	case v > 0:
		return upStyle.Render(s)
	case v < 0:
		return downStyle.Render(s)
	}
	return s
}

func stops(sl, tp *float64) string {
	f := func(p *float64) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *p)
	}
	return f(sl) + "/" + f(tp)
}

func orderPrice(o domain.Order) string {
	for _, p := range []*float64{o.ExecutedPrice, o.LimitPrice, o.StopPrice} {
		if p != nil {
			return fmt.Sprintf("%.2f", *p)
		}
	}
	return "mkt"
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) > width {
		return string(r[:width])
	}
	return s + strings.Repeat(" ", width-len(r))
}
