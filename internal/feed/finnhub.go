package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	FH "github.com/Finnhub-Stock-API/finnhub-go/v2"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/util"
)

// Compile-time interface check.
var _ Feed = (*Finnhub)(nil)

const finnhubWSEndpoint = "wss://ws.finnhub.io?token="

// FinnhubOptions configures the Finnhub feed.
type FinnhubOptions struct {
	APIKey          string
	Exchange        string
	RateLimitPerMin int
	// RESTURL and WSURL override the endpoints; WSURL includes the token.
	RESTURL string
	WSURL   string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Finnhub is a Feed backed by the Finnhub REST API for history and symbols,
// and by its trade websocket for live data. Finnhub streams trades only, so
// live bars are folded from trades and live quotes carry the last trade
// price on both sides.
type Finnhub struct {
	api     *FH.DefaultApiService
	opts    FinnhubOptions
	limiter *util.RateLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	bars    map[Handle]*finnhubBarSub
	quotes  map[Handle]*finnhubQuoteSub
	refs    map[string]int // upstream subscriptions per symbol
	closed  bool
}

type finnhubBarSub struct {
	req BarRequest
	fn  func(domain.Bar)
	cur domain.Bar
}

type finnhubQuoteSub struct {
	symbol string
	fn     func(domain.Quote)
	last   domain.Quote
}

// NewFinnhub creates a Finnhub feed. The websocket connects on the first
// subscription and reconnects with backoff when the connection drops.
func NewFinnhub(opts FinnhubOptions) *Finnhub {
	if opts.Exchange == "" {
		opts.Exchange = "US"
	}
	if opts.WSURL == "" {
		opts.WSURL = finnhubWSEndpoint + opts.APIKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := FH.NewConfiguration()
	cfg.AddDefaultHeader("X-Finnhub-Token", opts.APIKey)
	if opts.RESTURL != "" {
		cfg.Servers = FH.ServerConfigurations{{URL: opts.RESTURL}}
	}
	return &Finnhub{
		api:     FH.NewAPIClient(cfg).DefaultApi,
		opts:    opts,
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		logger:  opts.Logger.With("component", "feed", "feed", "finnhub"),
		bars:    make(map[Handle]*finnhubBarSub),
		quotes:  make(map[Handle]*finnhubQuoteSub),
		refs:    make(map[string]int),
	}
}

// Name returns "finnhub".
func (f *Finnhub) Name() string { return "finnhub" }

// FinnhubResolution maps a bar interval onto a Finnhub candle resolution and
// the number of candles merged into one bar. Finnhub has no two-hour
// candles, so 2h is built from hourly ones.
func FinnhubResolution(r domain.Resolution) (res string, merge int) {
	switch r.Interval {
	case "5m":
		return "5", 1
	case "30m":
		return "30", 1
	case "1h":
		return "60", 1
	case "2h":
		return "60", 2
	}
	return "1", 1
}

// GetBars fetches the resolution's span of candles ending now.
func (f *Finnhub) GetBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sym := strings.ToUpper(req.Symbol)
	res, merge := FinnhubResolution(req.Resolution)
	end := f.opts.Now()
	start := end.Add(-req.Resolution.Span())

	candles, _, err := f.api.StockCandles(ctx).Symbol(sym).Resolution(res).
		From(start.Unix()).To(end.Unix()).Execute()
	if err != nil {
		return nil, errs.New("finnhub.get_bars", errs.CodeTransient,
			errs.WithCause(err), errs.WithField("symbol", sym))
	}
	if candles.GetS() == "no_data" {
		return nil, nil
	}

	o, h, l, c, v, t := candles.GetO(), candles.GetH(), candles.GetL(), candles.GetC(), candles.GetV(), candles.GetT()
	n := min(len(o), len(h), len(l), len(c), len(v), len(t))
	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, domain.Bar{
			Symbol:    sym,
			Timestamp: time.Unix(t[i], 0).UTC(),
			Open:      float64(o[i]),
			High:      float64(h[i]),
			Low:       float64(l[i]),
			Close:     float64(c[i]),
			Volume:    int64(v[i]),
		})
	}
	if merge > 1 {
		bars = MergeBars(bars, req.Resolution.Step())
	}
	return bars, nil
}

// MergeBars folds bars into buckets of width step, aligned to step. Input
// must be oldest first.
func MergeBars(bars []domain.Bar, step time.Duration) []domain.Bar {
	var out []domain.Bar
	for _, b := range bars {
		ts := b.Timestamp.Truncate(step)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(ts) {
			last := &out[n-1]
			last.High = math.Max(last.High, b.High)
			last.Low = math.Min(last.Low, b.Low)
			last.Close = b.Close
			last.Volume += b.Volume
			last.TradeCount += b.TradeCount
			continue
		}
		b.Timestamp = ts
		out = append(out, b)
	}
	return out
}

// GetSymbols lists the symbols of the configured exchange.
func (f *Finnhub) GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	syms, _, err := f.api.StockSymbols(ctx).Exchange(f.opts.Exchange).Execute()
	if err != nil {
		return nil, errs.New("finnhub.get_symbols", errs.CodeTransient, errs.WithCause(err))
	}
	out := make([]domain.SymbolInfo, 0, len(syms))
	for _, s := range syms {
		out = append(out, domain.SymbolInfo{
			Symbol:   s.GetSymbol(),
			Name:     s.GetDescription(),
			Exchange: s.GetMic(),
			Type:     s.GetType(),
			Currency: s.GetCurrency(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SubscribeBars folds live trades of req.Symbol into bars of the request's
// interval.
func (f *Finnhub) SubscribeBars(ctx context.Context, req BarRequest, fn func(domain.Bar)) (Handle, error) {
	req.Symbol = strings.ToUpper(req.Symbol)
	h := NewHandle()
	err := f.acquire(ctx, req.Symbol,
		func() { f.bars[h] = &finnhubBarSub{req: req, fn: fn} },
		func() { delete(f.bars, h) })
	if err != nil {
		return "", errs.New("finnhub.subscribe_bars", errs.CodeTransient,
			errs.WithCause(err), errs.WithField("symbol", req.Symbol))
	}
	return h, nil
}

// UnsubscribeBars closes a bar stream.
func (f *Finnhub) UnsubscribeBars(_ context.Context, h Handle) error {
	f.mu.Lock()
	sub, ok := f.bars[h]
	if ok {
		delete(f.bars, h)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.release(sub.req.Symbol)
}

// SubscribeQuote streams the last trade price of symbol. The session
// open/high/low are seeded from the REST quote, which is delivered first.
// That quote carries no timestamp, so it is stamped with the feed's clock.
func (f *Finnhub) SubscribeQuote(ctx context.Context, symbol string, fn func(domain.Quote)) (Handle, error) {
	symbol = strings.ToUpper(symbol)
	seed := domain.Quote{Symbol: symbol}
	if err := f.limiter.Wait(ctx); err == nil {
		if q, _, err := f.api.Quote(ctx).Symbol(symbol).Execute(); err == nil {
			seed.Open = float64(q.GetO())
			seed.High = float64(q.GetH())
			seed.Low = float64(q.GetL())
			seed.Close = float64(q.GetC())
			seed.Bid, seed.Ask = seed.Close, seed.Close
			seed.Time = f.opts.Now().UTC()
		} else {
			f.logger.Warn("quote seed failed", "symbol", symbol, "error", err)
		}
	}

	h := NewHandle()
	err := f.acquire(ctx, symbol,
		func() { f.quotes[h] = &finnhubQuoteSub{symbol: symbol, fn: fn, last: seed} },
		func() { delete(f.quotes, h) })
	if err != nil {
		return "", errs.New("finnhub.subscribe_quote", errs.CodeTransient,
			errs.WithCause(err), errs.WithField("symbol", symbol))
	}
	if seed.Close > 0 {
		fn(seed)
	}
	return h, nil
}

// UnsubscribeQuote closes a quote stream.
func (f *Finnhub) UnsubscribeQuote(_ context.Context, h Handle) error {
	f.mu.Lock()
	sub, ok := f.quotes[h]
	if ok {
		delete(f.quotes, h)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.release(sub.symbol)
}

// Close drops the websocket and stops reconnecting.
func (f *Finnhub) Close() error {
	f.mu.Lock()
	f.closed = true
	ws := f.ws
	f.ws = nil
	f.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// acquire registers a subscription through add and subscribes upstream when
// it is the first one for symbol. remove undoes add if that fails.
func (f *Finnhub) acquire(ctx context.Context, symbol string, add, remove func()) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errs.New("finnhub.subscribe", errs.CodeClosed)
	}
	if f.ws == nil {
		ws, err := f.dial(ctx)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.ws = ws
		go f.readLoop(ws)
	}
	ws := f.ws
	f.refs[symbol]++
	first := f.refs[symbol] == 1
	add()
	f.mu.Unlock()

	if !first {
		return nil
	}
	if err := f.send(ws, "subscribe", symbol); err != nil {
		f.mu.Lock()
		remove()
		if f.refs[symbol]--; f.refs[symbol] <= 0 {
			delete(f.refs, symbol)
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Finnhub) release(symbol string) error {
	f.mu.Lock()
	f.refs[symbol]--
	last := f.refs[symbol] <= 0
	if last {
		delete(f.refs, symbol)
	}
	ws := f.ws
	f.mu.Unlock()

	if last && ws != nil {
		return f.send(ws, "unsubscribe", symbol)
	}
	return nil
}

func (f *Finnhub) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, f.opts.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing finnhub websocket: %w", err)
	}
	return ws, nil
}

func (f *Finnhub) send(ws *websocket.Conn, typ, symbol string) error {
	msg := struct {
		Type   string `json:"type"`
		Symbol string `json:"symbol,omitempty"`
	}{Type: typ, Symbol: symbol}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("finnhub %s %s: %w", typ, symbol, err)
	}
	return nil
}

func (f *Finnhub) readLoop(ws *websocket.Conn) {
	var parser fastjson.Parser
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			f.reconnect(ws, err)
			return
		}

		v, err := parser.ParseBytes(msg)
		if err != nil {
			f.logger.Debug("unparseable message", "error", err)
			continue
		}

		switch string(v.GetStringBytes("type")) {
		case "trade":
			f.handleTrades(v.Get("data"))
		case "ping":
			if err := f.send(ws, "pong", ""); err != nil {
				f.logger.Warn("pong failed", "error", err)
			}
		case "error":
			f.logger.Warn("finnhub error message", "msg", string(v.GetStringBytes("msg")))
		}
	}
}

// reconnect replaces a dropped connection and resubscribes every symbol
// that still has subscribers.
func (f *Finnhub) reconnect(old *websocket.Conn, cause error) {
	old.Close()

	f.mu.Lock()
	if f.closed || f.ws != old {
		f.mu.Unlock()
		return
	}
	f.ws = nil
	f.mu.Unlock()

	f.logger.Warn("finnhub websocket dropped, reconnecting", "error", cause)

	b := util.NewBackOff(time.Second, time.Minute)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		if len(f.refs) == 0 {
			// Nothing to restore; the next subscription dials again.
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()

		ws, err := f.dial(context.Background())
		if err == nil {
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				ws.Close()
				return
			}
			f.ws = ws
			symbols := make([]string, 0, len(f.refs))
			for s := range f.refs {
				symbols = append(symbols, s)
			}
			f.mu.Unlock()

			go f.readLoop(ws)
			for _, s := range symbols {
				if err := f.send(ws, "subscribe", s); err != nil {
					f.logger.Warn("resubscribe failed", "symbol", s, "error", err)
				}
			}
			f.logger.Info("finnhub websocket reconnected", "symbols", len(symbols))
			return
		}

		wait := b.NextBackOff()
		f.logger.Warn("finnhub reconnect failed", "error", err, "retry_in", wait)
		time.Sleep(wait)
	}
}

// Trade is one trade print from the Finnhub stream.
type Trade struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// ParseTrades decodes the data array of a Finnhub trade message.
func ParseTrades(data *fastjson.Value) []Trade {
	if data == nil {
		return nil
	}
	items, err := data.Array()
	if err != nil {
		return nil
	}
	out := make([]Trade, 0, len(items))
	for _, it := range items {
		p, vol := it.Get("p"), it.Get("v")
		if p == nil || vol == nil {
			continue
		}
		out = append(out, Trade{
			Symbol: strings.ToUpper(string(it.GetStringBytes("s"))),
			Price:  p.GetFloat64(),
			Volume: vol.GetFloat64(),
			Time:   time.UnixMilli(it.GetInt64("t")).UTC(),
		})
	}
	return out
}

func (f *Finnhub) handleTrades(data *fastjson.Value) {
	f.apply(ParseTrades(data))
}

// apply folds trades into the open subscriptions and delivers the results
// outside the lock.
func (f *Finnhub) apply(trades []Trade) {
	var deliveries []func()
	f.mu.Lock()
	for _, tr := range trades {
		for _, sub := range f.bars {
			if sub.req.Symbol != tr.Symbol {
				continue
			}
			ts := tr.Time.Truncate(sub.req.Resolution.Step())
			if !sub.cur.Timestamp.Equal(ts) {
				sub.cur = domain.Bar{Symbol: tr.Symbol, Timestamp: ts, Open: tr.Price, High: tr.Price, Low: tr.Price}
			}
			sub.cur.High = math.Max(sub.cur.High, tr.Price)
			sub.cur.Low = math.Min(sub.cur.Low, tr.Price)
			sub.cur.Close = tr.Price
			sub.cur.Volume += int64(tr.Volume)
			sub.cur.TradeCount++
			b, fn := sub.cur, sub.fn
			deliveries = append(deliveries, func() { fn(b) })
		}
		for _, sub := range f.quotes {
			if sub.symbol != tr.Symbol {
				continue
			}
			q := sub.last
			q.Bid, q.Ask, q.Close, q.Time = tr.Price, tr.Price, tr.Price, tr.Time
			if q.Open == 0 {
				q.Open, q.High, q.Low = tr.Price, tr.Price, tr.Price
			}
			q.High = math.Max(q.High, tr.Price)
			q.Low = math.Min(q.Low, tr.Price)
			sub.last = q
			fn := sub.fn
			deliveries = append(deliveries, func() { fn(q) })
		}
	}
	f.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
}
