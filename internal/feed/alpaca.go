package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
)

// Compile-time interface check.
var _ Feed = (*Alpaca)(nil)

// AlpacaOptions holds the credentials and endpoints of the Alpaca feed.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API, used for the asset list
	DataURL   string
	StreamURL string
	DataFeed  string // "iex" or "sip"
	Logger    *slog.Logger
}

// Alpaca is a Feed backed by the Alpaca market-data REST API and the stocks
// websocket stream. The stream client accepts one handler per data kind, so
// subscriptions are fanned out by symbol here and the upstream subscription
// is reference counted.
type Alpaca struct {
	md      *marketdata.Client
	trading *alpaca.Client
	opts    AlpacaOptions
	logger  *slog.Logger

	connectOnce sync.Once
	connectErr  error
	sc          *stream.StocksClient

	mu     sync.Mutex
	bars   map[Handle]*alpacaBarSub
	quotes map[Handle]*alpacaQuoteSub
}

type alpacaBarSub struct {
	req BarRequest
	fn  func(domain.Bar)
}

type alpacaQuoteSub struct {
	symbol string
	fn     func(domain.Quote)
}

// NewAlpaca creates an Alpaca feed. The websocket connects on the first
// subscription.
func NewAlpaca(opts AlpacaOptions) *Alpaca {
	if opts.DataFeed == "" {
		opts.DataFeed = marketdata.IEX
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mdOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	return &Alpaca{
		md: marketdata.NewClient(mdOpts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		opts:   opts,
		logger: opts.Logger.With("component", "feed", "feed", "alpaca"),
		bars:   make(map[Handle]*alpacaBarSub),
		quotes: make(map[Handle]*alpacaQuoteSub),
	}
}

// Name returns "alpaca".
func (a *Alpaca) Name() string { return "alpaca" }

// AlpacaTimeFrame maps a resolution interval onto an Alpaca timeframe.
func AlpacaTimeFrame(r domain.Resolution) marketdata.TimeFrame {
	switch r.Interval {
	case "5m":
		return marketdata.NewTimeFrame(5, marketdata.Min)
	case "30m":
		return marketdata.NewTimeFrame(30, marketdata.Min)
	case "1h":
		return marketdata.NewTimeFrame(1, marketdata.Hour)
	case "2h":
		return marketdata.NewTimeFrame(2, marketdata.Hour)
	}
	return marketdata.NewTimeFrame(1, marketdata.Min)
}

// GetBars fetches the resolution's span of bars ending now.
func (a *Alpaca) GetBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-req.Resolution.Span())
	sym := strings.ToUpper(req.Symbol)

	abars, err := a.md.GetBars(sym, marketdata.GetBarsRequest{
		TimeFrame: AlpacaTimeFrame(req.Resolution),
		Start:     start,
		End:       end,
		Feed:      a.opts.DataFeed,
	})
	if err != nil {
		return nil, errs.New("alpaca.get_bars", errs.CodeTransient,
			errs.WithCause(err), errs.WithField("symbol", sym))
	}

	bars := make([]domain.Bar, 0, len(abars))
	for _, ab := range abars {
		bars = append(bars, domain.Bar{
			Symbol:     sym,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

// GetSymbols lists active, tradable US equities.
func (a *Alpaca) GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assets, err := a.trading.GetAssets(alpaca.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, errs.New("alpaca.get_symbols", errs.CodeTransient, errs.WithCause(err))
	}
	out := make([]domain.SymbolInfo, 0, len(assets))
	for _, as := range assets {
		if !as.Tradable {
			continue
		}
		out = append(out, domain.SymbolInfo{
			Symbol:   as.Symbol,
			Name:     as.Name,
			Exchange: as.Exchange,
			Type:     "stock",
			Currency: "USD",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// connect dials the stocks stream once.
func (a *Alpaca) connect(ctx context.Context) error {
	a.connectOnce.Do(func() {
		opts := []stream.StockOption{stream.WithCredentials(a.opts.APIKey, a.opts.APISecret)}
		if a.opts.StreamURL != "" {
			opts = append(opts, stream.WithBaseURL(a.opts.StreamURL))
		}
		sc := stream.NewStocksClient(a.opts.DataFeed, opts...)
		// The stream outlives the subscribing call.
		if err := sc.Connect(context.WithoutCancel(ctx)); err != nil {
			a.connectErr = fmt.Errorf("connecting alpaca stream: %w", err)
			return
		}
		a.sc = sc
		go func() {
			if err := <-sc.Terminated(); err != nil {
				a.logger.Error("alpaca stream terminated", "error", err)
			}
		}()
	})
	return a.connectErr
}

// SubscribeBars subscribes to the minute bar stream of req.Symbol. Bars are
// delivered as they arrive from upstream.
func (a *Alpaca) SubscribeBars(ctx context.Context, req BarRequest, fn func(domain.Bar)) (Handle, error) {
	if err := a.connect(ctx); err != nil {
		return "", errs.New("alpaca.subscribe_bars", errs.CodeTransient, errs.WithCause(err))
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	h := NewHandle()

	a.mu.Lock()
	first := a.barRefsLocked(req.Symbol) == 0
	a.bars[h] = &alpacaBarSub{req: req, fn: fn}
	a.mu.Unlock()

	if first {
		if err := a.sc.SubscribeToBars(a.dispatchBar, req.Symbol); err != nil {
			a.mu.Lock()
			delete(a.bars, h)
			a.mu.Unlock()
			return "", errs.New("alpaca.subscribe_bars", errs.CodeTransient,
				errs.WithCause(err), errs.WithField("symbol", req.Symbol))
		}
	}
	return h, nil
}

// UnsubscribeBars drops the handle and releases the upstream subscription
// when it was the last one for its symbol.
func (a *Alpaca) UnsubscribeBars(_ context.Context, h Handle) error {
	a.mu.Lock()
	sub, ok := a.bars[h]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.bars, h)
	last := a.barRefsLocked(sub.req.Symbol) == 0
	a.mu.Unlock()

	if last && a.sc != nil {
		if err := a.sc.UnsubscribeFromBars(sub.req.Symbol); err != nil {
			return fmt.Errorf("unsubscribing %s bars: %w", sub.req.Symbol, err)
		}
	}
	return nil
}

// SubscribeQuote subscribes to the quote stream of symbol.
func (a *Alpaca) SubscribeQuote(ctx context.Context, symbol string, fn func(domain.Quote)) (Handle, error) {
	if err := a.connect(ctx); err != nil {
		return "", errs.New("alpaca.subscribe_quote", errs.CodeTransient, errs.WithCause(err))
	}
	symbol = strings.ToUpper(symbol)
	h := NewHandle()

	a.mu.Lock()
	first := a.quoteRefsLocked(symbol) == 0
	a.quotes[h] = &alpacaQuoteSub{symbol: symbol, fn: fn}
	a.mu.Unlock()

	if first {
		if err := a.sc.SubscribeToQuotes(a.dispatchQuote, symbol); err != nil {
			a.mu.Lock()
			delete(a.quotes, h)
			a.mu.Unlock()
			return "", errs.New("alpaca.subscribe_quote", errs.CodeTransient,
				errs.WithCause(err), errs.WithField("symbol", symbol))
		}
	}
	return h, nil
}

// UnsubscribeQuote drops the handle and releases the upstream subscription
// when it was the last one for its symbol.
func (a *Alpaca) UnsubscribeQuote(_ context.Context, h Handle) error {
	a.mu.Lock()
	sub, ok := a.quotes[h]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.quotes, h)
	last := a.quoteRefsLocked(sub.symbol) == 0
	a.mu.Unlock()

	if last && a.sc != nil {
		if err := a.sc.UnsubscribeFromQuotes(sub.symbol); err != nil {
			return fmt.Errorf("unsubscribing %s quotes: %w", sub.symbol, err)
		}
	}
	return nil
}

func (a *Alpaca) barRefsLocked(symbol string) int {
	n := 0
	for _, s := range a.bars {
		if s.req.Symbol == symbol {
			n++
		}
	}
	return n
}

func (a *Alpaca) quoteRefsLocked(symbol string) int {
	n := 0
	for _, s := range a.quotes {
		if s.symbol == symbol {
			n++
		}
	}
	return n
}

func (a *Alpaca) dispatchBar(sb stream.Bar) {
	b := domain.Bar{
		Symbol:     sb.Symbol,
		Timestamp:  sb.Timestamp,
		Open:       sb.Open,
		High:       sb.High,
		Low:        sb.Low,
		Close:      sb.Close,
		Volume:     int64(sb.Volume),
		TradeCount: int64(sb.TradeCount),
		VWAP:       sb.VWAP,
	}
	a.mu.Lock()
	var fns []func(domain.Bar)
	for _, s := range a.bars {
		if s.req.Symbol == sb.Symbol {
			fns = append(fns, s.fn)
		}
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (a *Alpaca) dispatchQuote(sq stream.Quote) {
	q := domain.Quote{
		Symbol: sq.Symbol,
		Bid:    sq.BidPrice,
		Ask:    sq.AskPrice,
		Time:   sq.Timestamp,
	}
	a.mu.Lock()
	var fns []func(domain.Quote)
	for _, s := range a.quotes {
		if s.symbol == sq.Symbol {
			fns = append(fns, s.fn)
		}
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(q)
	}
}
