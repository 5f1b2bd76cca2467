package feed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
)

// Compile-time interface check.
var _ Feed = (*Simulator)(nil)

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	Symbols       []string
	StartingPrice float64
	Tick          time.Duration
	Seed          uint64
	Now           func() time.Time
	Logger        *slog.Logger
}

type simBarSub struct {
	req BarRequest
	fn  func(domain.Bar)
	cur domain.Bar
}

type simQuoteSub struct {
	symbol string
	fn     func(domain.Quote)
}

// Simulator is an in-memory feed that walks prices randomly. History is
// derived from the symbol and resolution alone, so repeated GetBars calls
// return the same series.
type Simulator struct {
	symbols []domain.SymbolInfo
	start   float64
	tick    time.Duration
	seed    uint64
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	open   map[string]float64
	bars   map[Handle]*simBarSub
	quotes map[Handle]*simQuoteSub

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewSimulator creates a Simulator. Call Start to begin emitting live data,
// or drive it manually with Tick.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.StartingPrice <= 0 {
		opts.StartingPrice = 100
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Simulator{
		start:  opts.StartingPrice,
		tick:   opts.Tick,
		seed:   opts.Seed,
		now:    opts.Now,
		logger: opts.Logger.With("component", "feed", "feed", "simulator"),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		prices: make(map[string]float64),
		open:   make(map[string]float64),
		bars:   make(map[Handle]*simBarSub),
		quotes: make(map[Handle]*simQuoteSub),
	}
	for _, sym := range opts.Symbols {
		sym = strings.ToUpper(sym)
		s.symbols = append(s.symbols, domain.SymbolInfo{
			Symbol: sym, Name: sym + " (simulated)", Exchange: "SIM", Type: "stock", Currency: "USD",
		})
	}
	return s
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// GetSymbols returns the configured symbols.
func (s *Simulator) GetSymbols(context.Context) ([]domain.SymbolInfo, error) {
	out := make([]domain.SymbolInfo, len(s.symbols))
	copy(out, s.symbols)
	return out, nil
}

func (s *Simulator) known(symbol string) bool {
	for _, si := range s.symbols {
		if si.Symbol == symbol {
			return true
		}
	}
	return false
}

// GetBars returns one bar per resolution step over the resolution's span,
// ending at the current step.
func (s *Simulator) GetBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sym := strings.ToUpper(req.Symbol)
	if !s.known(sym) {
		return nil, errs.New("simulator.get_bars", errs.CodeNotFound, errs.WithField("symbol", req.Symbol))
	}

	step := req.Resolution.Step()
	n := int(req.Resolution.Span() / step)
	end := s.now().UTC().Truncate(step)

	h := fnv.New64a()
	h.Write([]byte(sym + "|" + req.Resolution.String()))
	rng := rand.New(rand.NewPCG(h.Sum64(), s.seed))

	bars := make([]domain.Bar, 0, n)
	price := s.basePrice(sym)
	for i := n - 1; i >= 0; i-- {
		open := price
		cl := walk(rng, open)
		hi := math.Max(open, cl) * (1 + rng.Float64()*0.002)
		lo := math.Min(open, cl) * (1 - rng.Float64()*0.002)
		bars = append(bars, domain.Bar{
			Symbol:     sym,
			Timestamp:  end.Add(-time.Duration(i) * step),
			Open:       round2(open),
			High:       round2(hi),
			Low:        round2(lo),
			Close:      round2(cl),
			Volume:     int64(1000 + rng.IntN(9000)),
			TradeCount: int64(10 + rng.IntN(90)),
			VWAP:       round2((open + cl) / 2),
		})
		price = cl
	}
	return bars, nil
}

// SubscribeBars registers fn for live bar updates of req.
func (s *Simulator) SubscribeBars(ctx context.Context, req BarRequest, fn func(domain.Bar)) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	if !s.known(req.Symbol) {
		return "", errs.New("simulator.subscribe_bars", errs.CodeNotFound, errs.WithField("symbol", req.Symbol))
	}
	h := NewHandle()
	s.mu.Lock()
	s.bars[h] = &simBarSub{req: req, fn: fn}
	s.mu.Unlock()
	return h, nil
}

// UnsubscribeBars drops a bar subscription. Unknown handles are ignored.
func (s *Simulator) UnsubscribeBars(_ context.Context, h Handle) error {
	s.mu.Lock()
	delete(s.bars, h)
	s.mu.Unlock()
	return nil
}

// SubscribeQuote registers fn for live quotes of symbol.
func (s *Simulator) SubscribeQuote(ctx context.Context, symbol string, fn func(domain.Quote)) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	symbol = strings.ToUpper(symbol)
	if !s.known(symbol) {
		return "", errs.New("simulator.subscribe_quote", errs.CodeNotFound, errs.WithField("symbol", symbol))
	}
	h := NewHandle()
	s.mu.Lock()
	s.quotes[h] = &simQuoteSub{symbol: symbol, fn: fn}
	s.mu.Unlock()
	return h, nil
}

// UnsubscribeQuote drops a quote subscription. Unknown handles are ignored.
func (s *Simulator) UnsubscribeQuote(_ context.Context, h Handle) error {
	s.mu.Lock()
	delete(s.quotes, h)
	s.mu.Unlock()
	return nil
}

// Start emits a tick every configured interval until Stop or ctx ends.
func (s *Simulator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Go(func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	})
	s.logger.Info("simulator started", "symbols", len(s.symbols), "tick", s.tick)
}

// Stop halts the ticker started by Start and waits for it to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Tick advances the price of every subscribed symbol once and delivers the
// resulting quotes and bar updates. Callbacks run outside the lock.
func (s *Simulator) Tick() {
	now := s.now().UTC()

	var deliveries []func()
	s.mu.Lock()
	moved := make(map[string]float64)
	price := func(sym string) float64 {
		if p, ok := moved[sym]; ok {
			return p
		}
		p, ok := s.prices[sym]
		if !ok {
			p = s.basePrice(sym)
			s.open[sym] = p
		}
		p = round2(walk(s.rng, p))
		s.prices[sym] = p
		moved[sym] = p
		return p
	}

	for _, sub := range s.quotes {
		p := price(sub.symbol)
		q := s.quoteLocked(sub.symbol, p, now)
		fn := sub.fn
		deliveries = append(deliveries, func() { fn(q) })
	}
	for _, sub := range s.bars {
		p := price(sub.req.Symbol)
		ts := now.Truncate(sub.req.Resolution.Step())
		if !sub.cur.Timestamp.Equal(ts) {
			sub.cur = domain.Bar{Symbol: sub.req.Symbol, Timestamp: ts, Open: p, High: p, Low: p}
		}
		sub.cur.High = math.Max(sub.cur.High, p)
		sub.cur.Low = math.Min(sub.cur.Low, p)
		sub.cur.Close = p
		sub.cur.Volume += int64(1 + s.rng.IntN(100))
		sub.cur.TradeCount++
		b := sub.cur
		fn := sub.fn
		deliveries = append(deliveries, func() { fn(b) })
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
}

// Quote returns the current simulated quote for symbol.
func (s *Simulator) Quote(symbol string) domain.Quote {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		p = s.basePrice(symbol)
		s.open[symbol] = p
		s.prices[symbol] = p
	}
	return s.quoteLocked(symbol, p, s.now().UTC())
}

// Subscribed returns the symbols that currently have a bar or quote
// subscription, sorted.
func (s *Simulator) Subscribed() []string {
	s.mu.Lock()
	set := make(map[string]struct{})
	for _, sub := range s.quotes {
		set[sub.symbol] = struct{}{}
	}
	for _, sub := range s.bars {
		set[sub.req.Symbol] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Simulator) quoteLocked(symbol string, p float64, now time.Time) domain.Quote {
	const halfSpread = 0.01
	open := s.open[symbol]
	return domain.Quote{
		Symbol: symbol,
		Bid:    round2(p - halfSpread),
		Ask:    round2(p + halfSpread),
		Open:   open,
		High:   math.Max(open, p),
		Low:    math.Min(open, p),
		Close:  p,
		Time:   now,
	}
}

// basePrice spreads symbols around the starting price so they are told
// apart on screen.
func (s *Simulator) basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return round2(s.start * (0.5 + float64(h.Sum32()%1000)/1000))
}

// walk moves p by a small normally distributed step, never below one cent.
func walk(rng *rand.Rand, p float64) float64 {
	next := p * (1 + rng.NormFloat64()*0.001)
	return math.Max(next, 0.01)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
